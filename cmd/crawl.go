// Package cmd defines and implements the CLI commands for the lockstep executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs one crawl to
// completion using the application built by the root command.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs a lockstep crawl",
		Long: `Distributes the configured seeds across the worker fleet and runs
fetch and aggregation rounds until the page budget is spent. The crawl stops
on the first coordination failure.`,
		Args: cobra.NoArgs,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()

	state, err := appInstance.Run(cmd.Context())
	if err != nil {
		// PersistentPostRun is skipped when RunE fails.
		appInstance.Close()
		return fmt.Errorf("run crawl: %w", err)
	}
	logger.Info("crawl command finished",
		zap.Int("pages_crawled", state.PagesCrawled),
		zap.Int("rounds", state.Round),
	)
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
