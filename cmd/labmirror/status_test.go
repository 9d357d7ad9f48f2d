package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/labmirror/internal/store"
	"github.com/hyperengineering/labmirror/internal/types"
)

// executeCmd runs a labmirror command with captured output against an
// isolated database.
func executeCmd(t *testing.T, dbPath string, args ...string) (stdout string, err error) {
	t.Helper()

	// Cobra parses into package-level variables; stale values from previous
	// tests would leak if not reset.
	jsonOutput = false
	syncFullRefresh = false
	syncRecentDays = 0
	flagPageSize = 0
	flagRecoveryMax = 0
	flagReportDir = ""

	t.Setenv("LABMIRROR_DB_PATH", dbPath)
	t.Setenv("LABMIRROR_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	outBuf := new(bytes.Buffer)
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(outBuf)
	rootCmd.SetArgs(args)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)

	return outBuf.String(), err
}

func TestStatusShowsCheckpointState(t *testing.T) {
	// Given a mirror with one customer and a completed checkpoint
	dbPath := filepath.Join(t.TempDir(), "mirror.db")
	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ctx := context.Background()
	customer := &types.Customer{ID: 1, Name: "Acme", RawPayload: []byte(`{}`)}
	if err := db.ApplyPage(ctx, types.KindCustomers, []types.Record{customer}, store.PageAdvance{Page: 1, MaxID: 1, MaxCreated: time.Now()}); err != nil {
		t.Fatalf("ApplyPage: %v", err)
	}
	if err := db.MarkCompleted(ctx, types.KindCustomers, "1 processed, 0 skipped"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	db.Close()

	// When status renders as JSON
	out, err := executeCmd(t, dbPath, "status", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	// Then the mirrored row and its checkpoint show up
	var payload struct {
		Entities []struct {
			Entity string `json:"entity"`
			Rows   int    `json:"rows"`
			Status string `json:"status"`
			LastID *int64 `json:"last_id"`
		} `json:"entities"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("Unmarshal: %v\noutput: %s", err, out)
	}
	if len(payload.Entities) != len(types.Kinds) {
		t.Fatalf("entities = %d, want %d", len(payload.Entities), len(types.Kinds))
	}
	customers := payload.Entities[0]
	if customers.Entity != "customers" || customers.Rows != 1 || customers.Status != types.StatusCompleted {
		t.Errorf("customers status = %+v", customers)
	}
	if customers.LastID == nil || *customers.LastID != 1 {
		t.Errorf("customers last id = %v, want 1", customers.LastID)
	}
}

func TestStatusTableListsEveryEntity(t *testing.T) {
	// Given an empty mirror
	dbPath := filepath.Join(t.TempDir(), "mirror.db")

	// When status renders as a table
	out, err := executeCmd(t, dbPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	// Then every entity appears with a never-synced state
	for _, kind := range types.Kinds {
		if !strings.Contains(out, string(kind)) {
			t.Errorf("output missing %s:\n%s", kind, out)
		}
	}
	if !strings.Contains(out, types.StatusNever) {
		t.Errorf("output missing never status:\n%s", out)
	}
}

func TestSyncRejectsUnknownEntity(t *testing.T) {
	// Given a sync invocation naming a nonexistent entity
	dbPath := filepath.Join(t.TempDir(), "mirror.db")

	// When it runs
	_, err := executeCmd(t, dbPath, "sync", "widgets")

	// Then the argument is rejected before anything starts
	if err == nil || !strings.Contains(err.Error(), "unknown entity kind") {
		t.Errorf("error = %v, want unknown entity kind", err)
	}
}
