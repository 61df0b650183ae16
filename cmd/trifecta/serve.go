package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/trifecta-ai/trifecta/pkg/agent"
	"github.com/trifecta-ai/trifecta/pkg/completion"
	"github.com/trifecta-ai/trifecta/pkg/config"
	"github.com/trifecta-ai/trifecta/pkg/integrations"
	"github.com/trifecta-ai/trifecta/pkg/logger"
	"github.com/trifecta-ai/trifecta/pkg/server"
	"github.com/trifecta-ai/trifecta/pkg/skills"
	"github.com/trifecta-ai/trifecta/pkg/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	Long: `Start the HTTP gateway. Skills are loaded from the skills directory at
startup and can be reloaded through POST /api/skills/reload, or automatically
with --watch-skills.

The server listens on 0.0.0.0:5000 by default.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		return runServe(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind the server to")
	serveCmd.Flags().Int("port", 5000, "Port to bind the server to")
	serveCmd.Flags().Bool("watch-skills", false, "Reload skills when files in the skills directory change")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("skills.watch", serveCmd.Flags().Lookup("watch-skills"))
}

func runServe(ctx context.Context, cfg *config.Config) error {
	store, err := openSkillStore(ctx, cfg.Skills)
	if err != nil {
		return err
	}

	gateway := completion.New(completion.Config{
		APIKey:           cfg.LLM.APIKey,
		BaseURL:          cfg.LLM.BaseURL,
		Model:            cfg.LLM.Model,
		MaxTokens:        cfg.LLM.MaxTokens,
		Timeout:          cfg.LLM.Timeout,
		MaxContextLength: cfg.LLM.MaxContextLength,
	})
	if !gateway.Configured() {
		logger.G(ctx).Warn("llm api key is not set, chat replies will use the fallback text")
	}

	chat := agent.NewService(store, gateway,
		agent.WithMaxMessageLength(cfg.Chat.MaxMessageLength),
		agent.WithMaxHistory(cfg.Chat.MaxHistory),
	)

	srv, err := server.New(&server.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
		Version:     version.Get().Short(),
	}, server.Dependencies{
		Skills:     store,
		Chat:       chat,
		LLM:        gateway,
		Directory:  integrations.NewDirectory(cfg.Services.Graph),
		Documents:  integrations.NewDocumentStore(cfg.Services.Storage),
		Telephony:  integrations.NewTelephony(cfg.Services.Dialpad),
		Accounting: integrations.NewAccounting(cfg.Services.Accounting),
		Speech:     integrations.NewSpeech(cfg.Services.Speech),
		Settings:   publicSettings(cfg, gateway.Model()),
	})
	if err != nil {
		return err
	}

	if cfg.Skills.Watch {
		watcher, err := newSkillWatcher(store, cfg.Skills.Dir, defaultDebounce)
		if err != nil {
			return err
		}
		defer watcher.Close()
		go watcher.Run(ctx)
	}

	return srv.Start(ctx)
}

// openSkillStore builds the store and performs the initial load. A missing
// directory is not fatal: the server starts with no skills.
func openSkillStore(ctx context.Context, cfg config.SkillsConfig) (*skills.Store, error) {
	store, err := skills.NewStore(
		skills.WithPattern(cfg.Pattern),
		skills.WithAllowPatterns(cfg.Allow...),
	)
	if err != nil {
		return nil, errors.Wrap(err, "invalid skills configuration")
	}
	if err := store.Load(ctx, cfg.Dir); err != nil {
		logger.G(ctx).WithError(err).Warn("starting without skills")
	}
	return store, nil
}

// publicSettings is the configuration view served by /api/config. Secrets
// are reduced to whether they are set.
func publicSettings(cfg *config.Config, model string) map[string]any {
	service := func(sc config.ServiceConfig) map[string]any {
		return map[string]any{
			"base_url":       sc.BaseURL,
			"tenant_id":      sc.TenantID,
			"client_id":      sc.ClientID,
			"has_secret":     sc.ClientSecret != "",
			"has_api_key":    sc.APIKey != "",
			"token_endpoint": sc.TokenEndpoint,
			"region":         sc.Region,
		}
	}

	return map[string]any{
		"skills": map[string]any{
			"dir":     cfg.Skills.Dir,
			"pattern": cfg.Skills.Pattern,
			"allow":   cfg.Skills.Allow,
			"watch":   cfg.Skills.Watch,
		},
		"llm": map[string]any{
			"base_url":           cfg.LLM.BaseURL,
			"model":              model,
			"max_tokens":         cfg.LLM.MaxTokens,
			"timeout":            cfg.LLM.Timeout.String(),
			"max_context_length": cfg.LLM.MaxContextLength,
			"has_api_key":        cfg.LLM.APIKey != "",
		},
		"chat": map[string]any{
			"max_message_length": cfg.Chat.MaxMessageLength,
			"max_history":        cfg.Chat.MaxHistory,
		},
		"services": map[string]any{
			integrations.DirectoryService:  service(cfg.Services.Graph),
			integrations.StorageService:    service(cfg.Services.Storage),
			integrations.TelephonyService:  service(cfg.Services.Dialpad),
			integrations.AccountingService: service(cfg.Services.Accounting),
			integrations.SpeechService:     service(cfg.Services.Speech),
		},
	}
}
