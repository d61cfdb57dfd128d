package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	"github.com/JakeFAU/resilient-extractor/internal/id/uuid"
)

type runOptions struct {
	input   string
	batchID string
	out     string
}

// newRunCmd creates the 'run' subcommand, which extracts one batch from a JSON file.
func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Extract one batch of URLs and print the result as JSON",
		Long: `Reads tasks from --input, validates them, runs them through the
configured strategy chain and prints the BatchResult to stdout.

The input is either a JSON array of tasks or an object
{"batch_id": "...", "tasks": [...]}. Each task has a url and optional
selector, wait_for and extract_images fields.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.input, "input", "", "path to the tasks JSON file")
	cmd.Flags().StringVar(&opts.batchID, "batch-id", "", "batch identifier (defaults to the file's batch_id or a generated one)")
	cmd.Flags().StringVar(&opts.out, "out", "", "also write the result to this blob store path")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

type batchFile struct {
	BatchID string               `json:"batch_id"`
	Tasks   []extraction.RawTask `json:"tasks"`
}

// readBatchFile accepts either a bare task array or a batchFile object.
func readBatchFile(path string) (batchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return batchFile{}, fmt.Errorf("read input: %w", err)
	}
	var file batchFile
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		err = json.Unmarshal(trimmed, &file.Tasks)
	} else {
		err = json.Unmarshal(trimmed, &file)
	}
	if err != nil {
		return batchFile{}, fmt.Errorf("parse input %s: %w", path, err)
	}
	return file, nil
}

func runBatch(cmd *cobra.Command, opts runOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	file, err := readBatchFile(opts.input)
	if err != nil {
		return err
	}
	batchID := strings.TrimSpace(opts.batchID)
	if batchID == "" {
		batchID = file.BatchID
	}
	if batchID == "" {
		if batchID, err = uuid.New().NewBatchID(); err != nil {
			return fmt.Errorf("generate batch id: %w", err)
		}
	}

	result, err := appInstance.Extract(cmd.Context(), batchID, file.Tasks)
	if err != nil {
		return fmt.Errorf("run batch %s: %w", batchID, err)
	}

	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if opts.out != "" {
		location, err := appInstance.BlobStore().PutObject(cmd.Context(), opts.out, "application/json", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		logger.Info("batch result stored", zap.String("batch_id", batchID), zap.String("location", location))
	}
	if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(payload)); err != nil {
		return fmt.Errorf("print result: %w", err)
	}

	logger.Info("run command finished",
		zap.String("batch_id", batchID),
		zap.Int("total", result.Stats.Total),
		zap.Int("successful", result.Stats.Successful),
		zap.Int("failed", result.Stats.Failed),
	)
	return nil
}
