package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/labmirror/internal/lims"
	"github.com/hyperengineering/labmirror/internal/store"
	"github.com/hyperengineering/labmirror/internal/types"
)

var (
	// ErrCyclicDependency signals a reference chain that loops back on itself.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrNotFoundRemote signals a referenced entity the remote no longer has.
	ErrNotFoundRemote = errors.New("entity missing upstream")
	// ErrMissingDependencyID signals a reference without a usable ID.
	ErrMissingDependencyID = errors.New("dependency id missing")
)

// Recovery fetches referenced entities that are not yet mirrored, walking
// their own references first so every stored row has its dependencies in
// place.
type Recovery struct {
	source      Source
	store       *store.SQLiteStore
	maxAttempts int
}

// NewRecovery creates a Recovery bounded to maxAttempts tries per entity.
func NewRecovery(source Source, st *store.SQLiteStore, maxAttempts int) *Recovery {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Recovery{source: source, store: st, maxAttempts: maxAttempts}
}

// Ensure makes the given entity exist locally, fetching it and recursively
// recovering its references when needed.
func (r *Recovery) Ensure(ctx context.Context, kind types.EntityKind, id int64) error {
	return r.ensure(ctx, kind, id, make(map[depRef]bool))
}

func (r *Recovery) ensure(ctx context.Context, kind types.EntityKind, id int64, visited map[depRef]bool) error {
	if id <= 0 {
		return fmt.Errorf("%w: %s", ErrMissingDependencyID, kind.Singular())
	}

	ref := depRef{kind: kind, id: id}
	if visited[ref] {
		return fmt.Errorf("%w: %s %d", ErrCyclicDependency, kind.Singular(), id)
	}
	visited[ref] = true

	exists, err := r.store.Exists(ctx, kind, id)
	if err != nil {
		return fmt.Errorf("check %s %d: %w", kind.Singular(), id, err)
	}
	if exists {
		return nil
	}

	raw, err := r.source.FetchOne(ctx, kind, id)
	if err != nil {
		if errors.Is(err, lims.ErrNotFound) {
			return fmt.Errorf("%w: %s %d", ErrNotFoundRemote, kind.Singular(), id)
		}
		return fmt.Errorf("fetch %s %d: %w", kind.Singular(), id, err)
	}

	spec := kindSpecs[kind]
	record, err := spec.transform(raw)
	if err != nil {
		return fmt.Errorf("transform %s %d: %w", kind.Singular(), id, err)
	}

	for _, dep := range spec.deps(record) {
		if err := r.ensure(ctx, dep.kind, dep.id, visited); err != nil {
			return fmt.Errorf("recover %s %d for %s %d: %w",
				dep.kind.Singular(), dep.id, kind.Singular(), id, err)
		}
	}

	if err := r.store.UpsertRecovered(ctx, record); err != nil {
		return err
	}
	slog.Info("recovered missing dependency", "entity", kind.Singular(), "id", id)
	return nil
}

// AttemptRecovery runs Ensure up to the configured attempt budget and
// reports how many attempts were spent. Errors that cannot heal with a
// retry end the loop immediately.
func (r *Recovery) AttemptRecovery(ctx context.Context, kind types.EntityKind, id int64) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.Ensure(ctx, kind, id)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if errors.Is(err, ErrNotFoundRemote) ||
			errors.Is(err, ErrCyclicDependency) ||
			errors.Is(err, ErrMissingDependencyID) {
			return attempt, err
		}
		slog.Warn("dependency recovery attempt failed",
			"entity", kind.Singular(), "id", id, "attempt", attempt, "max", r.maxAttempts, "error", err)
	}
	return r.maxAttempts, lastErr
}
