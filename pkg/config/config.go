// Package config loads trifecta settings from viper (config file, TRIFECTA_*
// environment variables, flags) into typed structs.
package config

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/trifecta-ai/trifecta/pkg/errdefs"
)

// EnvPrefix is prepended to every environment variable derived from a key
const EnvPrefix = "TRIFECTA"

// Config is the full runtime configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Skills   SkillsConfig   `mapstructure:"skills"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Services ServicesConfig `mapstructure:"services"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type SkillsConfig struct {
	Dir     string   `mapstructure:"dir"`
	Pattern string   `mapstructure:"pattern"`
	Allow   []string `mapstructure:"allow"`
	Watch   bool     `mapstructure:"watch"`
}

type LLMConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	Model            string        `mapstructure:"model"`
	MaxTokens        int           `mapstructure:"max_tokens"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxContextLength int           `mapstructure:"max_context_length"`
}

type ChatConfig struct {
	MaxMessageLength int `mapstructure:"max_message_length"`
	MaxHistory       int `mapstructure:"max_history"`
}

type ServicesConfig struct {
	Graph      ServiceConfig `mapstructure:"graph"`
	Storage    ServiceConfig `mapstructure:"storage"`
	Dialpad    ServiceConfig `mapstructure:"dialpad"`
	Accounting ServiceConfig `mapstructure:"accounting"`
	Speech     ServiceConfig `mapstructure:"speech"`
}

// ServiceConfig describes one external service. OAuth services use the
// client credential fields, key-based ones use APIKey.
type ServiceConfig struct {
	ClientID      string        `mapstructure:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret"`
	TenantID      string        `mapstructure:"tenant_id"`
	TokenEndpoint string        `mapstructure:"token_endpoint"`
	Scope         string        `mapstructure:"scope"`
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Folder        string        `mapstructure:"folder"`
	Region        string        `mapstructure:"region"`
	Language      string        `mapstructure:"language"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Sampler string  `mapstructure:"sampler"`
	Ratio   float64 `mapstructure:"ratio"`
}

const (
	graphTokenEndpoint = "https://login.microsoftonline.com/{tenant}/oauth2/v2.0/token"
	graphScope         = "https://graph.microsoft.com/.default"
	graphBaseURL       = "https://graph.microsoft.com/v1.0"
)

var defaults = map[string]any{
	"server.host":         "0.0.0.0",
	"server.port":         5000,
	"server.cors_origins": []string{"*"},

	"skills.dir":     "./skills",
	"skills.pattern": "*.md",
	"skills.allow":   []string{},
	"skills.watch":   false,

	"llm.api_key":            "",
	"llm.base_url":           "https://api.anthropic.com",
	"llm.model":              "claude-sonnet-4-20250514",
	"llm.max_tokens":         1024,
	"llm.timeout":            "15s",
	"llm.max_context_length": 8000,

	"chat.max_message_length": 4000,
	"chat.max_history":        20,

	"services.graph.client_id":      "",
	"services.graph.client_secret":  "",
	"services.graph.tenant_id":      "",
	"services.graph.token_endpoint": graphTokenEndpoint,
	"services.graph.scope":          graphScope,
	"services.graph.base_url":       graphBaseURL,
	"services.graph.timeout":        "30s",

	"services.storage.client_id":      "",
	"services.storage.client_secret":  "",
	"services.storage.tenant_id":      "",
	"services.storage.token_endpoint": graphTokenEndpoint,
	"services.storage.scope":          graphScope,
	"services.storage.base_url":       graphBaseURL + "/drive",
	"services.storage.folder":         "Clients",
	"services.storage.timeout":        "60s",

	"services.dialpad.api_key":  "",
	"services.dialpad.base_url": "https://dialpad.com/api/v2",
	"services.dialpad.timeout":  "30s",

	"services.accounting.client_id":      "",
	"services.accounting.client_secret":  "",
	"services.accounting.tenant_id":      "",
	"services.accounting.token_endpoint": "",
	"services.accounting.scope":          "",
	"services.accounting.base_url":       "",
	"services.accounting.timeout":        "30s",

	"services.speech.api_key":  "",
	"services.speech.region":   "",
	"services.speech.base_url": "",
	"services.speech.language": "en-US",
	"services.speech.timeout":  "30s",

	"log.level":  "info",
	"log.format": "fmt",

	"tracing.enabled": false,
	"tracing.sampler": "ratio",
	"tracing.ratio":   1.0,
}

// legacyEnv maps keys to the variable names used by earlier deployments.
// The TRIFECTA_ form always takes precedence.
var legacyEnv = map[string][]string{
	"llm.api_key":                  {"ANTHROPIC_API_KEY"},
	"server.port":                  {"PORT"},
	"services.graph.client_id":     {"MS_CLIENT_ID"},
	"services.graph.client_secret": {"MS_CLIENT_SECRET", "GRAPH_CLIENT_SECRET"},
	"services.graph.tenant_id":     {"MS_TENANT_ID"},
	"services.dialpad.api_key":     {"DIALPAD_API_KEY", "DialpodApiKey"},
	"services.speech.api_key":      {"AZURE_SPEECH_KEY"},
	"services.speech.region":       {"AZURE_SPEECH_REGION"},
}

// SetDefaults registers every known key with its default value
func SetDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// BindEnv enables TRIFECTA_* variables for every key plus the legacy aliases
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, aliases := range legacyEnv {
		names := append([]string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return errors.Wrapf(err, "failed to bind environment for %s", key)
		}
	}
	return nil
}

// New returns a viper instance with defaults and environment bindings
func New() (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	if err := BindEnv(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Load decodes the settings held by v into a Config
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create config decoder")
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}

	cfg.Services.Storage.inherit(cfg.Services.Graph)
	cfg.Server.CORSOrigins = trimAll(cfg.Server.CORSOrigins)
	cfg.Skills.Allow = trimAll(cfg.Skills.Allow)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that cannot work at all. Missing credentials are
// not an error here; each service reports itself as not configured instead.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errdefs.Invalid("server.port", "must be between 1 and 65535")
	}
	if c.Skills.Dir == "" {
		return errdefs.Invalid("skills.dir", "must not be empty")
	}
	if c.Chat.MaxMessageLength <= 0 {
		return errdefs.Invalid("chat.max_message_length", "must be positive")
	}
	if c.Chat.MaxHistory < 0 {
		return errdefs.Invalid("chat.max_history", "must not be negative")
	}
	if c.Tracing.Ratio < 0 || c.Tracing.Ratio > 1 {
		return errdefs.Invalid("tracing.ratio", "must be between 0 and 1")
	}
	return nil
}

// inherit fills empty OAuth credentials from another service. Document
// storage runs on the same tenant registration as the directory by default.
func (s *ServiceConfig) inherit(from ServiceConfig) {
	if s.ClientID == "" {
		s.ClientID = from.ClientID
	}
	if s.ClientSecret == "" {
		s.ClientSecret = from.ClientSecret
	}
	if s.TenantID == "" {
		s.TenantID = from.TenantID
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
