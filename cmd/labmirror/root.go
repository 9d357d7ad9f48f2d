package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/labmirror/internal/config"
	"github.com/hyperengineering/labmirror/internal/ingest"
	"github.com/hyperengineering/labmirror/internal/lims"
	"github.com/hyperengineering/labmirror/internal/store"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	jsonOutput      bool
	flagPageSize    int
	flagRecoveryMax int
	flagReportDir   string
)

var rootCmd = &cobra.Command{
	Use:     "labmirror",
	Short:   "Labmirror - local mirror of a remote LIMS",
	Long:    "Synchronizes customers, orders, samples, batches and tests from a remote lab information system into a local SQLite mirror.",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().IntVar(&flagPageSize, "page-size", 0, "Records per page (default from configuration)")
	rootCmd.PersistentFlags().IntVar(&flagRecoveryMax, "recovery-attempts", 0, "Max recovery attempts per missing dependency (default from configuration)")
	rootCmd.PersistentFlags().StringVar(&flagReportDir, "report-dir", "", "Directory for sync reports (default from configuration)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(syncRecentCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadConfig loads configuration and switches the process logger to the
// configured level and format.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if flagPageSize > 0 {
		cfg.Sync.PageSize = flagPageSize
	}
	if flagRecoveryMax > 0 {
		cfg.Sync.RecoveryMaxAttempts = flagRecoveryMax
	}
	if flagReportDir != "" {
		cfg.Sync.ReportDir = flagReportDir
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	return cfg, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openPipeline builds the client, store and pipeline from configuration.
// The caller must Close the returned store.
func openPipeline(cfg *config.Config) (*ingest.Pipeline, *store.SQLiteStore, error) {
	if err := cfg.ValidateAPI(); err != nil {
		return nil, nil, err
	}

	client, err := lims.New(lims.Config{
		BaseURL:      cfg.API.BaseURL,
		TokenURL:     cfg.API.TokenURL,
		ClientID:     cfg.API.ClientID,
		ClientSecret: cfg.API.ClientSecret,
		Timeout:      time.Duration(cfg.API.Timeout),
	})
	if err != nil {
		return nil, nil, err
	}

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	pipeline := ingest.NewPipeline(client, db, ingest.Config{
		PageSize:            cfg.Sync.PageSize,
		LookbackDays:        cfg.Sync.LookbackDays,
		RecoveryMaxAttempts: cfg.Sync.RecoveryMaxAttempts,
		ReportDir:           cfg.Sync.ReportDir,
		LockPath:            filepath.Join(filepath.Dir(cfg.Database.Path), "labmirror.lock"),
		RaiseOnError:        true,
	})
	return pipeline, db, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// reportRun prints a one-line outcome per entity and writes the JSON report.
func reportRun(cmd *cobra.Command, run *ingest.RunSummary, reportDir string) error {
	if run == nil {
		return nil
	}

	path, err := ingest.WriteReport(run, reportDir)
	if err != nil {
		slog.Error("write sync report", "error", err)
	} else {
		slog.Info("sync report written", "path", path)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), run)
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ENTITY\tPROCESSED\tSTALE\tMISSING DEP\tOTHER\tRECOVERED\tPAGES")
	for _, s := range run.Entities {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			s.Entity, s.Processed, s.SkippedStale, s.SkippedMissingDep,
			s.SkippedOther, s.DependenciesRecovered, s.PagesSeen)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if run.Failed != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "halted at %s: %v\n", *run.Failed, run.Err)
	}
	return nil
}
