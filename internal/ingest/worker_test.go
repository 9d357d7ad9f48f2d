package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/labmirror/internal/lims"
	"github.com/hyperengineering/labmirror/internal/lims/limstest"
	"github.com/hyperengineering/labmirror/internal/store"
	"github.com/hyperengineering/labmirror/internal/types"
)

type testEnv struct {
	srv      *limstest.Server
	client   *lims.Client
	store    *store.SQLiteStore
	recovery *Recovery
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	srv := limstest.New()
	t.Cleanup(srv.Close)

	client, err := lims.New(lims.Config{
		BaseURL:      srv.URL(),
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	})
	if err != nil {
		t.Fatalf("lims.New: %v", err)
	}

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return &testEnv{
		srv:      srv,
		client:   client,
		store:    st,
		recovery: NewRecovery(client, st, 3),
	}
}

func (e *testEnv) runWorker(t *testing.T, kind types.EntityKind, opts Options) *Summary {
	t.Helper()
	worker, err := NewWorker(e.client, e.store, e.recovery, kind)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	summary, err := worker.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return summary
}

func TestWorkerSkipsStaleRecordsBeforeAnythingElse(t *testing.T) {
	// Given ten remote customers and a watermark at ID 7
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		env.srv.AddItem(types.KindCustomers, map[string]any{"id": i, "customer_name": "Customer"})
	}
	if err := env.store.ApplyPage(ctx, types.KindCustomers, nil, store.PageAdvance{Page: 1, MaxID: 7, MaxCreated: time.Now()}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	// When an incremental sync runs
	summary := env.runWorker(t, types.KindCustomers, Options{PageSize: 50})

	// Then only the three records past the watermark are stored
	if summary.Processed != 3 {
		t.Errorf("processed = %d, want 3", summary.Processed)
	}
	if summary.SkippedStale != 7 {
		t.Errorf("skipped stale = %d, want 7", summary.SkippedStale)
	}
	count, err := env.store.Count(ctx, types.KindCustomers)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Errorf("stored = %d, want 3", count)
	}
}

func TestWorkerRecoversMissingDependencyChain(t *testing.T) {
	// Given a remote sample whose order and customer are not yet mirrored
	env := newTestEnv(t)
	ctx := context.Background()
	env.srv.AddItem(types.KindCustomers, map[string]any{"id": 5, "customer_name": "Acme"})
	env.srv.AddItem(types.KindOrders, map[string]any{"id": 50, "customer_account_id": 5})
	env.srv.AddItem(types.KindSamples, map[string]any{"id": 100, "order_id": 50, "sample_name": "S-100"})

	// When the samples worker runs
	summary := env.runWorker(t, types.KindSamples, Options{PageSize: 50})

	// Then the sample and its whole dependency chain are mirrored
	if summary.Processed != 1 {
		t.Errorf("processed = %d, want 1", summary.Processed)
	}
	if summary.DependenciesRecovered != 1 {
		t.Errorf("recovered = %d, want 1", summary.DependenciesRecovered)
	}
	for _, check := range []struct {
		kind types.EntityKind
		id   int64
	}{
		{types.KindSamples, 100},
		{types.KindOrders, 50},
		{types.KindCustomers, 5},
	} {
		exists, err := env.store.Exists(ctx, check.kind, check.id)
		if err != nil {
			t.Fatalf("Exists: %v", err)
		}
		if !exists {
			t.Errorf("%s %d not mirrored", check.kind.Singular(), check.id)
		}
	}
}

func TestWorkerSkipsRecordWithUnrecoverableDependency(t *testing.T) {
	// Given a remote test referencing a sample the remote no longer has
	env := newTestEnv(t)
	env.srv.AddItem(types.KindTests, map[string]any{"id": 9, "sample_id": 777})

	// When the tests worker runs
	summary := env.runWorker(t, types.KindTests, Options{PageSize: 50})

	// Then the test is skipped with a traceable reason, not failed
	if summary.Processed != 0 {
		t.Errorf("processed = %d, want 0", summary.Processed)
	}
	if summary.SkippedMissingDep != 1 {
		t.Fatalf("skipped missing dep = %d, want 1", summary.SkippedMissingDep)
	}
	item := summary.Skipped[0]
	if item.ID != 9 || item.Reason != "unknown_sample" {
		t.Errorf("skipped item = %+v", item)
	}
	if item.Details["sample_id"] != int64(777) {
		t.Errorf("details sample_id = %v, want 777", item.Details["sample_id"])
	}
	if item.Details["recovery_error"] == "" {
		t.Error("details missing recovery_error")
	}
}

func TestWorkerWindowStopsAfterOlderPage(t *testing.T) {
	// Given six customers, newest first, with only three inside the window
	env := newTestEnv(t)
	now := time.Now().UTC()
	for i := 1; i <= 6; i++ {
		created := now.Add(-time.Duration(i) * 48 * time.Hour)
		env.srv.AddItem(types.KindCustomers, map[string]any{
			"id":            i,
			"customer_name": "Customer",
			"date_created":  created.Format(time.RFC3339),
		})
	}
	window := &Window{Start: now.Add(-7 * 24 * time.Hour), End: now}

	// When a windowed sync runs two records per page
	summary := env.runWorker(t, types.KindCustomers, Options{
		PageSize:         2,
		IgnoreCheckpoint: true,
		Window:           window,
	})

	// Then it stores the in-window records and stops without reading page three
	if summary.Processed != 3 {
		t.Errorf("processed = %d, want 3", summary.Processed)
	}
	if summary.WindowFiltered == 0 {
		t.Error("window filtered = 0, want > 0")
	}
	if got := env.srv.Requests("/api/v1/customer"); got != 2 {
		t.Errorf("pages requested = %d, want 2", got)
	}
}

func TestWorkerResumesFromCheckpointCursor(t *testing.T) {
	// Given six customers and a checkpoint pointing at page two
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		env.srv.AddItem(types.KindCustomers, map[string]any{"id": i, "customer_name": "Customer"})
	}
	if err := env.store.ApplyPage(ctx, types.KindCustomers, nil, store.PageAdvance{Page: 2, MaxID: 2, MaxCreated: time.Now()}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	// When an incremental sync runs two records per page
	summary := env.runWorker(t, types.KindCustomers, Options{PageSize: 2})

	// Then the crawl starts at the stored cursor and skips page one
	if summary.StartPage != 2 {
		t.Errorf("start page = %d, want 2", summary.StartPage)
	}
	if summary.Processed != 4 {
		t.Errorf("processed = %d, want 4", summary.Processed)
	}
	if got := env.srv.Requests("/api/v1/customer"); got != 2 {
		t.Errorf("pages requested = %d, want 2", got)
	}
}

func TestWorkerMarksCheckpointFailedOnError(t *testing.T) {
	// Given a remote that answers the list request with a server error
	env := newTestEnv(t)
	env.srv.Force(limstest.ForcedResponse{
		Path:   "/api/v1/customer",
		Status: 500,
		Body:   `{"error":"internal"}`,
	})
	worker, err := NewWorker(env.client, env.store, env.recovery, types.KindCustomers)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	// When the worker runs
	_, err = worker.Run(context.Background(), Options{PageSize: 50})

	// Then the error propagates and the checkpoint records the failure
	if err == nil {
		t.Fatal("Run succeeded, want error")
	}
	cp, cpErr := env.store.GetOrCreateCheckpoint(context.Background(), types.KindCustomers)
	if cpErr != nil {
		t.Fatalf("GetOrCreateCheckpoint: %v", cpErr)
	}
	if cp.Status != types.StatusFailed || !cp.Failed {
		t.Errorf("checkpoint = %q/%v, want failed/true", cp.Status, cp.Failed)
	}
	if cp.Message == "" {
		t.Error("checkpoint message empty, want failure detail")
	}
}

func TestWorkerNamesMissingReferenceField(t *testing.T) {
	// Given a page mixing a valid order with one missing its customer field
	env := newTestEnv(t)
	env.srv.AddItem(types.KindCustomers, map[string]any{"id": 1, "customer_name": "Acme"})
	env.srv.AddItem(types.KindOrders, map[string]any{"id": 10, "customer_account_id": 1})
	env.srv.AddItem(types.KindOrders, map[string]any{"id": 11})

	// When the orders worker runs
	summary := env.runWorker(t, types.KindOrders, Options{PageSize: 50})

	// Then the bad record is counted and the good one stored
	if summary.Processed != 1 {
		t.Errorf("processed = %d, want 1", summary.Processed)
	}
	if summary.SkippedOther != 1 {
		t.Errorf("skipped other = %d, want 1", summary.SkippedOther)
	}
	if len(summary.Skipped) != 1 || summary.Skipped[0].Reason != "missing_customer_account_id" {
		t.Errorf("skipped = %+v", summary.Skipped)
	}
	if summary.Skipped[0].ID != 11 {
		t.Errorf("skipped id = %d, want 11", summary.Skipped[0].ID)
	}
}

func TestWorkerRecordsCreationWatermark(t *testing.T) {
	// Given a remote customer created in 2020
	env := newTestEnv(t)
	created := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	env.srv.AddItem(types.KindCustomers, map[string]any{
		"id":            1,
		"customer_name": "Acme",
		"date_created":  created.Format(time.RFC3339),
	})

	// When the customers worker runs
	env.runWorker(t, types.KindCustomers, Options{PageSize: 50})

	// Then the checkpoint holds that creation timestamp, not the run time
	cp, err := env.store.GetOrCreateCheckpoint(context.Background(), types.KindCustomers)
	if err != nil {
		t.Fatalf("GetOrCreateCheckpoint: %v", err)
	}
	if cp.LastSyncedAt == nil || !cp.LastSyncedAt.Equal(created) {
		t.Errorf("last synced at = %v, want %v", cp.LastSyncedAt, created)
	}
}

func TestWorkerRecoversDependenciesOfOutOfWindowRecords(t *testing.T) {
	// Given a windowed run over an old sample whose order is not yet mirrored
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	env.srv.AddItem(types.KindCustomers, map[string]any{"id": 5, "customer_name": "Acme"})
	env.srv.AddItem(types.KindOrders, map[string]any{"id": 50, "customer_account_id": 5})
	env.srv.AddItem(types.KindSamples, map[string]any{
		"id":           100,
		"order_id":     50,
		"sample_name":  "S-100",
		"date_created": now.Add(-30 * 24 * time.Hour).Format(time.RFC3339),
	})

	// When the samples worker runs with a seven day window
	summary := env.runWorker(t, types.KindSamples, Options{
		PageSize:         50,
		IgnoreCheckpoint: true,
		Window:           &Window{Start: now.Add(-7 * 24 * time.Hour), End: now},
	})

	// Then the sample itself is filtered but its order was still recovered
	if summary.Processed != 0 {
		t.Errorf("processed = %d, want 0", summary.Processed)
	}
	if summary.WindowFiltered != 1 {
		t.Errorf("window filtered = %d, want 1", summary.WindowFiltered)
	}
	if summary.DependenciesRecovered != 1 {
		t.Errorf("recovered = %d, want 1", summary.DependenciesRecovered)
	}
	exists, err := env.store.Exists(ctx, types.KindOrders, 50)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Error("order 50 not mirrored")
	}
}

func TestWorkerErrorIsMissingDepSkipNotFailure(t *testing.T) {
	// Given an unrecoverable dependency, the sentinel should be inspectable
	env := newTestEnv(t)
	_, err := env.recovery.AttemptRecovery(context.Background(), types.KindSamples, 777)
	if !errors.Is(err, ErrNotFoundRemote) {
		t.Errorf("error = %v, want ErrNotFoundRemote", err)
	}
}
