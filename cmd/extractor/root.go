package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/config"
	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	"github.com/JakeFAU/resilient-extractor/internal/jobs"
	"github.com/JakeFAU/resilient-extractor/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// serveAnnotation marks commands that need the API and job runner wired.
const serveAnnotation = "extractor/serve"

// App defines the application interface that commands use.
// Tests inject a fake through newApp.
type App interface {
	Logger() *zap.Logger
	Extract(ctx context.Context, batchID string, raw []extraction.RawTask) (extraction.BatchResult, error)
	BlobStore() jobs.BlobStore
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg *config.Config, withAPI bool) (App, error) {
	app, err := server.Build(ctx, cfg, server.Options{API: withAPI})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "extractor",
		Short: "Resilient content extraction through a chain of fallback strategies.",
		Long: `extractor fetches pages through an ordered chain of strategies (pooled
headless browser, stealth browser, hosted reader services, plain HTTP),
falling back on failure, anti-bot detection or low-quality content.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			_, withAPI := cmd.Annotations[serveAnnotation]
			appInstance, err := newApp(cmd.Context(), &cfg, withAPI)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return nil
			}
			if err := appInstance.Close(context.WithoutCancel(cmd.Context())); err != nil {
				return fmt.Errorf("close application: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env EXTRACTOR_* overrides)")
	cmd.AddCommand(newRunCmd(), newServeCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
