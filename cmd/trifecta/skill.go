package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/trifecta-ai/trifecta/pkg/presenter"
	"github.com/trifecta-ai/trifecta/pkg/skills"
)

var skillCmd = &cobra.Command{
	Use:   "skill",
	Short: "Inspect skill documents",
	Long:  `Inspect the skill documents in the skills directory and test which one a message selects.`,
}

var skillListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available skills",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadSkills(cmd.Context())
		if err != nil {
			return err
		}

		list := store.List()
		if len(list) == 0 {
			presenter.Info(fmt.Sprintf("No skills found in %s", store.Dir()))
			return nil
		}

		rows := make([][]string, 0, len(list))
		for _, skill := range list {
			rows = append(rows, []string{skill.Name, skill.Title, strings.Join(skill.Keywords, ", "), fmt.Sprintf("%d", skill.Size())})
		}
		presenter.Table([]string{"NAME", "TITLE", "KEYWORDS", "BYTES"}, rows)

		count, total := store.Stats()
		presenter.Info(fmt.Sprintf("%d skills, %d bytes", count, total))
		return nil
	},
}

var skillShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a skill document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadSkills(cmd.Context())
		if err != nil {
			return err
		}

		skill, err := store.Get(args[0])
		if err != nil {
			return err
		}

		presenter.Section(skill.Title)
		presenter.Field("Name", skill.Name)
		presenter.Field("Path", skill.Path)
		presenter.Field("Keywords", strings.Join(skill.Keywords, ", "))
		presenter.Separator()
		fmt.Fprintln(cmd.OutOrStdout(), skill.Content)
		return nil
	},
}

var skillMatchCmd = &cobra.Command{
	Use:   "match <message>",
	Short: "Show which skill a message selects",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadSkills(cmd.Context())
		if err != nil {
			return err
		}

		result := skills.Match(strings.Join(args, " "), store.List())
		if !result.Matched() {
			presenter.Warning(fmt.Sprintf("No skill matched (best score %d, need %d)", result.Score, skills.MinMatchScore))
			return nil
		}

		presenter.Success(fmt.Sprintf("Matched %s", result.Skill.Name))
		presenter.Field("Title", result.Skill.Title)
		presenter.Field("Score", fmt.Sprintf("%d", result.Score))
		return nil
	},
}

func init() {
	skillCmd.AddCommand(skillListCmd)
	skillCmd.AddCommand(skillShowCmd)
	skillCmd.AddCommand(skillMatchCmd)
}

// loadSkills loads the configured skills directory. Unlike serve, a
// directory that cannot be read is an error here.
func loadSkills(ctx context.Context) (*skills.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := skills.NewStore(
		skills.WithPattern(cfg.Skills.Pattern),
		skills.WithAllowPatterns(cfg.Skills.Allow...),
	)
	if err != nil {
		return nil, errors.Wrap(err, "invalid skills configuration")
	}
	if err := store.Load(ctx, cfg.Skills.Dir); err != nil {
		return nil, err
	}
	return store, nil
}
