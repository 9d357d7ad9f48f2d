package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/labmirror/internal/store"
	"github.com/hyperengineering/labmirror/internal/types"
)

// ErrRunInProgress is returned when another process already holds the run lock.
var ErrRunInProgress = errors.New("another sync run is in progress")

// OrchestrationError wraps a worker failure with the entity it stopped on.
type OrchestrationError struct {
	Entity types.EntityKind
	Err    error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("pipeline halted at %s: %v", e.Entity, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

// Config tunes a Pipeline.
type Config struct {
	PageSize            int
	LookbackDays        int
	RecoveryMaxAttempts int
	ReportDir           string

	// LockPath is the run-lock file guarding against concurrent syncs,
	// normally placed beside the database.
	LockPath string

	// RaiseOnError propagates the first worker failure to the caller.
	// When false the failure is logged and only the summary reports it.
	RaiseOnError bool
}

// RunSummary is the outcome of one pipeline run.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Entities   []Summary
	Failed     *types.EntityKind
	Err        error
}

// CollectSkipped gathers every skipped item across the run, keyed by entity.
// Entities with a clean run are absent from the map.
func (r *RunSummary) CollectSkipped() map[types.EntityKind][]SkippedItem {
	skipped := make(map[types.EntityKind][]SkippedItem)
	for _, entity := range r.Entities {
		if len(entity.Skipped) > 0 {
			skipped[entity.Entity] = entity.Skipped
		}
	}
	return skipped
}

// Pipeline runs entity workers strictly in dependency order, sharing one
// recovery instance so entities recovered for an early worker are already
// known to later ones.
type Pipeline struct {
	source Source
	store  *store.SQLiteStore
	cfg    Config

	now       func() time.Time
	runWorker func(ctx context.Context, kind types.EntityKind, opts Options) (*Summary, error)
}

// NewPipeline creates a Pipeline.
func NewPipeline(source Source, st *store.SQLiteStore, cfg Config) *Pipeline {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 7
	}
	if cfg.RecoveryMaxAttempts <= 0 {
		cfg.RecoveryMaxAttempts = 3
	}
	p := &Pipeline{source: source, store: st, cfg: cfg, now: time.Now}
	recovery := NewRecovery(source, st, cfg.RecoveryMaxAttempts)
	p.runWorker = func(ctx context.Context, kind types.EntityKind, opts Options) (*Summary, error) {
		worker, err := NewWorker(source, st, recovery, kind)
		if err != nil {
			return nil, err
		}
		opts.OnPage = func(kind types.EntityKind, page, totalPages int) {
			slog.Debug("page committed", "entity", kind, "page", page, "total_pages", totalPages)
		}
		return worker.Run(ctx, opts)
	}
	return p
}

// SyncAll runs an incremental sync over the requested kinds, or all kinds
// when none are given. fullRefresh resets each checkpoint first.
func (p *Pipeline) SyncAll(ctx context.Context, kinds []types.EntityKind, fullRefresh bool) (*RunSummary, error) {
	return p.runPipeline(ctx, kinds, func(ctx context.Context, kind types.EntityKind) (*Summary, error) {
		if fullRefresh {
			if err := p.store.ResetCheckpoint(ctx, kind); err != nil {
				return nil, err
			}
		}
		return p.runWorker(ctx, kind, Options{PageSize: p.cfg.PageSize, IgnoreCheckpoint: fullRefresh})
	})
}

// SyncRecent runs a windowed sync covering the trailing lookback period.
// It never consults checkpoints; the window alone bounds the crawl.
func (p *Pipeline) SyncRecent(ctx context.Context, kinds []types.EntityKind, lookbackDays int) (*RunSummary, error) {
	if lookbackDays <= 0 {
		lookbackDays = p.cfg.LookbackDays
	}
	end := p.now().UTC()
	window := &Window{Start: end.AddDate(0, 0, -lookbackDays), End: end}

	slog.Info("windowed sync starting",
		"lookback_days", lookbackDays,
		"window_start", window.Start.Format(time.RFC3339),
		"window_end", window.End.Format(time.RFC3339))

	return p.runPipeline(ctx, kinds, func(ctx context.Context, kind types.EntityKind) (*Summary, error) {
		return p.runWorker(ctx, kind, Options{
			PageSize:         p.cfg.PageSize,
			IgnoreCheckpoint: true,
			Window:           window,
		})
	})
}

func (p *Pipeline) runPipeline(ctx context.Context, kinds []types.EntityKind, runOne func(context.Context, types.EntityKind) (*Summary, error)) (*RunSummary, error) {
	ordered := orderKinds(kinds)
	if len(ordered) == 0 {
		return nil, fmt.Errorf("no entity kinds to sync")
	}

	unlock, err := p.acquireRunLock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	run := &RunSummary{
		RunID:     ulid.Make().String(),
		StartedAt: p.now().UTC(),
	}
	slog.Info("pipeline starting", "run_id", run.RunID, "entities", len(ordered))

	for _, kind := range ordered {
		summary, err := runOne(ctx, kind)
		if summary != nil {
			run.Entities = append(run.Entities, *summary)
		}
		if err != nil {
			failed := kind
			run.Failed = &failed
			run.Err = &OrchestrationError{Entity: kind, Err: err}
			run.FinishedAt = p.now().UTC()
			if p.cfg.RaiseOnError {
				return run, run.Err
			}
			slog.Error("pipeline halted", "run_id", run.RunID, "entity", kind, "error", err)
			return run, nil
		}
	}

	run.FinishedAt = p.now().UTC()
	slog.Info("pipeline finished", "run_id", run.RunID,
		"duration", run.FinishedAt.Sub(run.StartedAt).String())
	return run, nil
}

// acquireRunLock takes the cross-process run lock, failing fast when another
// sync holds it.
func (p *Pipeline) acquireRunLock() (func(), error) {
	if p.cfg.LockPath == "" {
		return func() {}, nil
	}
	lock := flock.New(p.cfg.LockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: lock held at %s", ErrRunInProgress, p.cfg.LockPath)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("release run lock", "path", p.cfg.LockPath, "error", err)
		}
	}, nil
}

// orderKinds maps the requested kinds onto the canonical dependency order,
// defaulting to all kinds. Duplicates collapse.
func orderKinds(requested []types.EntityKind) []types.EntityKind {
	if len(requested) == 0 {
		return types.Kinds
	}
	want := make(map[types.EntityKind]bool, len(requested))
	for _, kind := range requested {
		want[kind] = true
	}
	ordered := make([]types.EntityKind, 0, len(want))
	for _, kind := range types.Kinds {
		if want[kind] {
			ordered = append(ordered, kind)
		}
	}
	return ordered
}
