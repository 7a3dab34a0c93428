// Package cli implements indexctl, the operator command line for the
// concept index.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/knoguchi/conceptindex/internal/app"
	"github.com/knoguchi/conceptindex/internal/config"
	"github.com/knoguchi/conceptindex/internal/repository"
)

var (
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "indexctl",
	Short: "Operate the concept index: imports, matching and tokens",
	Long: `indexctl works directly against the configured vector database, using the
same environment variables (or .env file) as the server.

Example usage:
  indexctl import jsonl --type concept concepts.jsonl
  indexctl import ols --ontology efo --model nomic-embed-text
  indexctl match --file dictionary.csv --terminology OHDSI
  indexctl token --subject curator`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger = app.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withComponents opens the repository, builds the service layer and runs fn.
// The repository is always closed afterwards.
func withComponents(ctx context.Context, fn func(*app.Components) error) error {
	embedders, err := app.NewEmbedders(cfg, logger)
	if err != nil {
		return err
	}
	open, err := app.Opener(cfg, embedders, logger)
	if err != nil {
		return err
	}
	return repository.Use(ctx, open, app.RepositoryOptions(cfg, logger), func(repo repository.Repository) error {
		return fn(app.NewComponents(cfg, repo, embedders, logger))
	})
}
