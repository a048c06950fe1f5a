// Command kgraph extracts a knowledge graph from a document on the command
// line and prints it as node-link JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/kgraph"
)

// progressInterval is how often analyze polls job progress.
var progressInterval = 200 * time.Millisecond

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	dbPath     string
	logLevel   string
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "kgraph",
		Short:         "Extract knowledge graphs from text with an LLM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML or JSON config file")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database file (default: in memory)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	cmd.AddCommand(
		newAnalyzeCommand(opts),
		newGraphCommand(opts),
		newQueryCommand(opts),
		newJobsCommand(opts),
	)
	return cmd
}

// openEngine loads config, applies flag overrides and sets up text
// logging on stderr.
func openEngine(cmd *cobra.Command, opts *rootOptions) (*kgraph.Engine, error) {
	cfg, err := kgraph.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: kgraph.ParseLevel(cfg.LogLevel),
	})))
	return kgraph.New(cfg)
}

func newAnalyzeCommand(opts *rootOptions) *cobra.Command {
	var text string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Build a graph from a txt, docx, xlsx or pdf file (or --text) and print it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && text == "" {
				return fmt.Errorf("a file or --text is required")
			}
			e, err := openEngine(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var job *kgraph.Job
			if len(args) == 1 {
				job, err = e.AnalyzeFile(ctx, args[0])
			} else {
				job, err = e.Analyze(ctx, text)
			}
			if err != nil {
				return err
			}

			var onProgress func(float64)
			if !quiet {
				onProgress = func(p float64) { fmt.Fprintf(cmd.ErrOrStderr(), "\rprogress: %5.1f%%", p) }
			}
			if err := follow(ctx, job, onProgress); err != nil {
				return err
			}
			if !quiet {
				fmt.Fprintln(cmd.ErrOrStderr())
			}

			snap, err := e.Graph(context.WithoutCancel(ctx))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "analyze this text instead of a file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	return cmd
}

func newGraphCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the stored graph (requires --db)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEngine(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()
			snap, err := e.Graph(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func newQueryCommand(opts *rootOptions) *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Find entities related to a question in the stored graph (requires --db)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()
			ans, err := e.Query(cmd.Context(), args[0], topK)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ans)
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of matching entities (default from config)")
	return cmd
}

func newJobsCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recorded analysis jobs (requires --db)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEngine(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()
			jobs, err := e.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")
	return cmd
}

// follow reports progress whenever it changes and returns the job's
// outcome. Cancelling ctx stops the job.
func follow(ctx context.Context, job *kgraph.Job, onProgress func(float64)) error {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	last := -1.0
	for {
		select {
		case <-job.Done():
			if onProgress != nil && job.Err() == nil {
				onProgress(100)
			}
			return job.Err()
		case <-ctx.Done():
			job.Stop()
			<-job.Done()
			return job.Err()
		case <-ticker.C:
			if p := job.Progress(); p != last && onProgress != nil {
				onProgress(p)
				last = p
			}
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
