package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/labmirror/internal/store"
	"github.com/hyperengineering/labmirror/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mirror contents and checkpoint state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Status only reads the local database; API credentials are not needed.
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	checkpoints, err := db.ListCheckpoints(ctx)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	byKind := make(map[types.EntityKind]types.Checkpoint, len(checkpoints))
	for _, cp := range checkpoints {
		byKind[cp.Entity] = cp
	}

	type entityStatus struct {
		Entity       string     `json:"entity"`
		Rows         int        `json:"rows"`
		Status       string     `json:"status"`
		LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
		LastID       *int64     `json:"last_id,omitempty"`
		Message      string     `json:"message,omitempty"`
	}

	statuses := make([]entityStatus, 0, len(types.Kinds))
	for _, kind := range types.Kinds {
		rows, err := db.Count(ctx, kind)
		if err != nil {
			return fmt.Errorf("count %s: %w", kind, err)
		}
		status := entityStatus{Entity: string(kind), Rows: rows, Status: types.StatusNever}
		if cp, ok := byKind[kind]; ok {
			status.Status = cp.Status
			status.LastSyncedAt = cp.LastSyncedAt
			status.LastID = cp.LastID
			status.Message = cp.Message
		}
		statuses = append(statuses, status)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"database": cfg.Database.Path,
			"entities": statuses,
		})
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ENTITY\tROWS\tSTATUS\tLAST SYNCED\tLAST ID\tMESSAGE")
	for _, s := range statuses {
		synced := "-"
		if s.LastSyncedAt != nil {
			synced = s.LastSyncedAt.Format(time.RFC3339)
		}
		lastID := "-"
		if s.LastID != nil {
			lastID = fmt.Sprintf("%d", *s.LastID)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", s.Entity, s.Rows, s.Status, synced, lastID, s.Message)
	}
	return w.Flush()
}
