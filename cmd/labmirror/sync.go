package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/labmirror/internal/types"
)

var syncFullRefresh bool

var syncCmd = &cobra.Command{
	Use:   "sync [entity...]",
	Short: "Run an incremental sync",
	Long: "Synchronizes the named entities, or all of them, resuming each from " +
		"its stored checkpoint. Entities always run in dependency order.",
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncFullRefresh, "full-refresh", false,
		"Reset checkpoints and re-crawl everything from the beginning")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	kinds, err := parseKindArgs(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pipeline, db, err := openPipeline(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	run, runErr := pipeline.SyncAll(ctx, kinds, syncFullRefresh)
	if reportErr := reportRun(cmd, run, cfg.Sync.ReportDir); reportErr != nil && runErr == nil {
		return reportErr
	}
	return runErr
}

func parseKindArgs(args []string) ([]types.EntityKind, error) {
	kinds := make([]types.EntityKind, 0, len(args))
	for _, arg := range args {
		kind, err := types.ParseKind(arg)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
