package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API and job runner.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "serve",
		Short:       "Start the HTTP API and async batch workers",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{serveAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}
