package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/labmirror/internal/lims"
	"github.com/hyperengineering/labmirror/internal/store"
	"github.com/hyperengineering/labmirror/internal/types"
)

// Source is the slice of the API client the engine needs.
// *lims.Client satisfies it.
type Source interface {
	ListPage(ctx context.Context, kind types.EntityKind, opts lims.ListOptions) (*lims.Page, error)
	FetchOne(ctx context.Context, kind types.EntityKind, id int64) (json.RawMessage, error)
}

// Window bounds a crawl to records created inside [Start, End].
type Window struct {
	Start time.Time
	End   time.Time
}

// Options controls one worker run.
type Options struct {
	// Window, when set, crawls newest-first and stops once a page falls
	// entirely before the window start.
	Window *Window

	// IgnoreCheckpoint starts from page one and disables staleness skips.
	IgnoreCheckpoint bool

	PageSize int

	// OnPage, when set, is called after each page is committed.
	OnPage func(kind types.EntityKind, page, totalPages int)
}

// SkippedItem records one record the worker declined to store, with enough
// detail to chase it later.
type SkippedItem struct {
	ID      int64          `json:"id"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

// Summary is the outcome of one worker run.
type Summary struct {
	Entity                types.EntityKind
	StartedAt             time.Time
	FinishedAt            time.Time
	Processed             int
	SkippedStale          int
	SkippedMissingDep     int
	SkippedOther          int
	WindowFiltered        int
	DependenciesRecovered int
	PagesSeen             int
	TotalPages            int
	StartPage             int
	Skipped               []SkippedItem
}

// Worker crawls one entity kind page by page, upserting records and moving
// the kind's checkpoint as it goes.
type Worker struct {
	source   Source
	store    *store.SQLiteStore
	recovery *Recovery
	spec     kindSpec
}

// NewWorker creates a worker for one entity kind.
func NewWorker(source Source, st *store.SQLiteStore, recovery *Recovery, kind types.EntityKind) (*Worker, error) {
	spec, ok := kindSpecs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownEntity, kind)
	}
	return &Worker{source: source, store: st, recovery: recovery, spec: spec}, nil
}

// Run performs one sync pass. The checkpoint is marked failed and the error
// returned when any page cannot be completed.
func (w *Worker) Run(ctx context.Context, opts Options) (*Summary, error) {
	started := time.Now().UTC()
	summary, err := w.run(ctx, opts)
	summary.StartedAt = started
	summary.FinishedAt = time.Now().UTC()
	if err != nil {
		if markErr := w.store.MarkFailed(ctx, w.spec.kind, err.Error()); markErr != nil {
			slog.Error("record sync failure", "entity", w.spec.kind, "error", markErr)
		}
		return summary, fmt.Errorf("sync %s: %w", w.spec.kind, err)
	}

	message := fmt.Sprintf("%d processed, %d skipped",
		summary.Processed, summary.SkippedStale+summary.SkippedMissingDep+summary.SkippedOther)
	if err := w.store.MarkCompleted(ctx, w.spec.kind, message); err != nil {
		return summary, fmt.Errorf("complete %s checkpoint: %w", w.spec.kind, err)
	}
	slog.Info("entity sync completed",
		"entity", w.spec.kind,
		"processed", summary.Processed,
		"skipped_stale", summary.SkippedStale,
		"skipped_missing_dep", summary.SkippedMissingDep,
		"skipped_other", summary.SkippedOther,
		"recovered", summary.DependenciesRecovered,
		"pages", summary.PagesSeen)
	return summary, nil
}

func (w *Worker) run(ctx context.Context, opts Options) (*Summary, error) {
	kind := w.spec.kind
	summary := &Summary{Entity: kind, StartPage: 1}

	checkpoint, err := w.store.GetOrCreateCheckpoint(ctx, kind)
	if err != nil {
		return summary, err
	}
	if err := w.store.MarkRunning(ctx, kind); err != nil {
		return summary, err
	}

	// The staleness watermark is fixed at run start; rows stored during this
	// run must not shadow the rest of the crawl.
	var watermark int64
	startPage := 1
	if !opts.IgnoreCheckpoint {
		if checkpoint.LastID != nil {
			watermark = *checkpoint.LastID
		}
		if checkpoint.LastCursor != nil && *checkpoint.LastCursor > 0 {
			startPage = *checkpoint.LastCursor
		}
	}
	summary.StartPage = startPage

	known, err := w.preloadKnownIDs(ctx)
	if err != nil {
		return summary, err
	}

	listOpts := lims.ListOptions{PageSize: opts.PageSize, SortBy: "id", SortOrder: "asc"}
	descending := opts.Window != nil || w.spec.alwaysDescending
	if descending {
		listOpts.SortBy = "date_created"
		listOpts.SortOrder = "desc"
	}

	slog.Info("entity sync starting",
		"entity", kind, "start_page", startPage, "watermark", watermark, "descending", descending)

	for page := startPage; ; page++ {
		listOpts.PageNum = page
		pageData, err := w.source.ListPage(ctx, kind, listOpts)
		if err != nil {
			return summary, fmt.Errorf("list page %d: %w", page, err)
		}
		summary.PagesSeen++
		summary.TotalPages = pageData.TotalPages

		records, maxID, maxCreated, stopAfterPage := w.siftPage(ctx, pageData.Items, opts, watermark, known, summary)

		advance := store.PageAdvance{Page: page, MaxID: maxID, MaxCreated: maxCreated}
		if err := w.store.ApplyPage(ctx, kind, records, advance); err != nil {
			return summary, fmt.Errorf("apply page %d: %w", page, err)
		}
		summary.Processed += len(records)
		if opts.OnPage != nil {
			opts.OnPage(kind, page, pageData.TotalPages)
		}

		if stopAfterPage {
			slog.Debug("window exhausted", "entity", kind, "page", page)
			break
		}
		if len(pageData.Items) == 0 || page >= pageData.TotalPages {
			break
		}
	}

	return summary, nil
}

// siftPage applies the skip rules to one page of raw items and returns the
// records that should be stored, alongside their ID and creation-time
// high-water marks.
func (w *Worker) siftPage(ctx context.Context, items []json.RawMessage, opts Options, watermark int64, known map[types.EntityKind]map[int64]struct{}, summary *Summary) (records []types.Record, maxID int64, maxCreated time.Time, stopAfterPage bool) {
	for _, raw := range items {
		record, err := w.spec.transform(raw)
		if err != nil {
			reason := "invalid_payload"
			skippedID := peekID(raw)
			var missing *missingFieldError
			if errors.As(err, &missing) {
				reason = "missing_" + missing.field
				skippedID = missing.id
			}
			summary.SkippedOther++
			summary.Skipped = append(summary.Skipped, SkippedItem{
				ID:      skippedID,
				Reason:  reason,
				Details: map[string]any{"error": err.Error()},
			})
			continue
		}
		id := record.RemoteID()

		// Staleness wins over every other skip reason.
		if !opts.IgnoreCheckpoint && watermark > 0 && id <= watermark {
			summary.SkippedStale++
			continue
		}

		// Dependencies are validated before the window filter, so references
		// of out-of-window records are still recovered.
		if skipped := w.checkDependencies(ctx, record, known, summary); skipped {
			continue
		}

		if opts.Window != nil {
			created := record.CreatedTime()
			if created != nil && created.Before(opts.Window.Start) {
				// Descending crawl: everything after this page is older still.
				summary.WindowFiltered++
				stopAfterPage = true
				continue
			}
			if created != nil && created.After(opts.Window.End) {
				summary.WindowFiltered++
				continue
			}
		}

		records = append(records, record)
		if id > maxID {
			maxID = id
		}
		if created := record.CreatedTime(); created != nil && created.After(maxCreated) {
			maxCreated = *created
		}
	}
	return records, maxID, maxCreated, stopAfterPage
}

// peekID salvages the remote ID from a payload whose transform failed.
func peekID(raw json.RawMessage) int64 {
	var head struct {
		ID lims.FlexInt `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return 0
	}
	return head.ID.Int64()
}

// checkDependencies verifies every reference of the record, recovering
// missing ones on demand. It reports true when the record must be skipped.
func (w *Worker) checkDependencies(ctx context.Context, record types.Record, known map[types.EntityKind]map[int64]struct{}, summary *Summary) bool {
	for _, dep := range w.spec.deps(record) {
		if _, ok := known[dep.kind][dep.id]; ok {
			continue
		}

		attempts, err := w.recovery.AttemptRecovery(ctx, dep.kind, dep.id)
		if err != nil {
			summary.SkippedMissingDep++
			summary.Skipped = append(summary.Skipped, SkippedItem{
				ID:     record.RemoteID(),
				Reason: "unknown_" + dep.kind.Singular(),
				Details: map[string]any{
					dep.kind.Singular() + "_id": dep.id,
					"recovery_attempts":         attempts,
					"recovery_error":            err.Error(),
				},
			})
			slog.Warn("skipping record with unresolved dependency",
				"entity", w.spec.kind, "id", record.RemoteID(),
				"dependency", dep.kind.Singular(), "dependency_id", dep.id, "error", err)
			return true
		}

		summary.DependenciesRecovered++
		if known[dep.kind] == nil {
			known[dep.kind] = make(map[int64]struct{})
		}
		known[dep.kind][dep.id] = struct{}{}
	}
	return false
}

func (w *Worker) preloadKnownIDs(ctx context.Context) (map[types.EntityKind]map[int64]struct{}, error) {
	known := make(map[types.EntityKind]map[int64]struct{}, len(w.spec.depKinds))
	for _, depKind := range w.spec.depKinds {
		ids, err := w.store.KnownIDs(ctx, depKind)
		if err != nil {
			return nil, fmt.Errorf("preload %s ids: %w", depKind, err)
		}
		known[depKind] = ids
	}
	return known, nil
}
