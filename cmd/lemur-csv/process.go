package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/processor"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/repository"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/server"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/service"
	"github.com/spf13/cobra"
)

type processOptions struct {
	input        string
	output       string
	prompt       string
	apiKey       string
	countAnswers bool
}

func newProcessCmd(root *rootOptions) *cobra.Command {
	opts := &processOptions{}

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process a CSV file and write the annotated copy",
		Long: `Send the prompt to LeMUR once per transcript id in the input file.

Examples:
  lemur-csv process --input calls.csv --prompt "Did the agent greet the caller?"
  lemur-csv process -i calls.csv -o answers.csv --prompt-file prompt.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runProcess(ctx, root, opts, cmd.OutOrStdout())
		},
	}

	var promptFile string
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "CSV file with a transcriptid or transcript_id column")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "output.csv", "where to write the annotated CSV")
	cmd.Flags().StringVarP(&opts.prompt, "prompt", "p", "", "prompt sent with every transcript")
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "read the prompt from a file")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "AssemblyAI API key (default $ASSEMBLYAI_API_KEY)")
	cmd.Flags().BoolVar(&opts.countAnswers, "count-answers", true, "add the number_occurred column")
	_ = cmd.MarkFlagRequired("input")
	cmd.MarkFlagsMutuallyExclusive("prompt", "prompt-file")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if promptFile != "" {
			data, err := os.ReadFile(promptFile)
			if err != nil {
				return fmt.Errorf("reading prompt file: %w", err)
			}
			opts.prompt = string(data)
		}
		if opts.prompt == "" {
			return errors.New("a prompt is required (--prompt or --prompt-file)")
		}
		if opts.apiKey == "" {
			opts.apiKey = apiKeyFromEnv()
		}
		if opts.apiKey == "" {
			return errors.New("an AssemblyAI API key is required (--api-key or ASSEMBLYAI_API_KEY)")
		}
		return nil
	}

	return cmd
}

func runProcess(ctx context.Context, root *rootOptions, opts *processOptions, stdout io.Writer) error {
	in, err := os.Open(opts.input)
	if err != nil {
		return err
	}
	defer in.Close()

	pipeline := server.NewPipeline(root.cfg, nil, nil, root.logger)
	jobs := service.NewJobService(repository.NewMemoryJobRepository(), pipeline.Processor, root.logger, nil)

	// Written to a temp file first so a canceled run leaves no partial output.
	tmp, err := os.CreateTemp(filepath.Dir(opts.output), ".lemur-csv-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	sub := service.Submission{
		Filename:     filepath.Base(opts.input),
		Prompt:       opts.prompt,
		APIKey:       opts.apiKey,
		CountAnswers: opts.countAnswers,
	}

	summary, err := jobs.Process(ctx, sub, in, tmp, func(p processor.Progress) {
		fmt.Fprintln(stdout, p.StatusText())
		if p.RateLimit.Known() {
			fmt.Fprintln(stdout, p.RateLimit.String())
		}
	})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), opts.output); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Completed all %d requests\n", summary.Total)
	if summary.Failed > 0 {
		fmt.Fprintf(stdout, "%d rows failed and were marked %q\n", summary.Failed, processor.FailedResponse)
	}
	fmt.Fprintf(stdout, "Wrote %s\n", opts.output)
	return nil
}
