package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "lemur-csv",
		Short: "Run a LeMUR prompt over every transcript in a CSV",
		Long: `lemur-csv sends one LeMUR task request per row of a CSV of transcript ids
and writes the CSV back with the lemur_response and number_occurred columns.

Example usage:
  lemur-csv serve                                   # Start the HTTP server
  lemur-csv process --input calls.csv --prompt "..." # Process a file locally`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.json", "config file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newProcessCmd(opts))

	return cmd
}

// init loads .env and the config file, then builds the logger
func (o *rootOptions) init(logOut io.Writer) error {
	// Load env if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	o.cfg = cfg
	o.logger = newLogger(logOut, cfg.IsProduction(), o.verbose)
	return nil
}

func newLogger(w io.Writer, production, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	if production {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func apiKeyFromEnv() string {
	return os.Getenv("ASSEMBLYAI_API_KEY")
}
