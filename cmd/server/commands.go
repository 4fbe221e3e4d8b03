package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"lab-assistant/internal/app"
	"lab-assistant/internal/config"
	"lab-assistant/internal/core"
	"lab-assistant/internal/loader"
)

const rootLongDesc = `lab-assistant turns uploaded laboratory results into a structured
medical report and answers follow-up questions about them.

  lab-assistant serve     Run the web service (default)
  lab-assistant report    Generate one report from a file and exit`

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "lab-assistant",
		Short:         "Lab results assistant for clinicians",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml (default: search ., ./config, /etc/lab-assistant)")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newReportCmd(&configPath))
	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the web service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	m, err := config.NewManager(path)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m.GetConfig(), nil
}

func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Logging, os.Stdout)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Run(ctx)
}

type reportOptions struct {
	file     string
	kind     string
	context  string
	language string
	out      string
}

func newReportCmd(configPath *string) *cobra.Command {
	opts := &reportOptions{}
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a report for one lab-results file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReport(cmd.Context(), *configPath, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "Lab results file (.csv, .tsv or text)")
	cmd.Flags().StringVarP(&opts.kind, "kind", "k", "", "Content kind: table or text (default: from the file extension)")
	cmd.Flags().StringVar(&opts.context, "context", "", "Clinical context for the report")
	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "Report language code (default: first enabled language)")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "Write the report to this file instead of stdout")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runReport(ctx context.Context, configPath string, opts *reportOptions, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Logging, stderr)

	kind, comma, err := loader.KindFromUpload(opts.file, "", opts.kind)
	if err != nil {
		return err
	}
	f, err := os.Open(opts.file)
	if err != nil {
		return err
	}
	defer f.Close()
	res, err := loader.Load(f, kind, loader.Options{
		Comma:    comma,
		MaxBytes: cfg.Upload.MaxBytes,
		Filename: filepath.Base(opts.file),
	})
	if err != nil {
		return err
	}

	languages, err := cfg.Languages()
	if err != nil {
		return err
	}
	gen, err := app.NewGenerator(cfg.LLM, logger)
	if err != nil {
		return err
	}
	lang, err := core.ResolveLanguage(languages, opts.language)
	if err != nil {
		return err
	}

	report, err := core.NewReportService(gen).Generate(ctx, &res.Record, opts.context, lang)
	if err != nil {
		return err
	}

	if opts.out != "" {
		if err := os.WriteFile(opts.out, []byte(report), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(stderr, "report written to %s\n", opts.out)
	} else {
		fmt.Fprintln(stdout, report)
	}
	fmt.Fprintln(stderr, core.Disclaimer)
	return nil
}
