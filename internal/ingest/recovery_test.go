package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperengineering/labmirror/internal/types"
)

func TestRecoveryWalksDependencyChain(t *testing.T) {
	// Given a remote test whose sample, order and customer are all unmirrored
	env := newTestEnv(t)
	ctx := context.Background()
	env.srv.AddItem(types.KindCustomers, map[string]any{"id": 5, "customer_name": "Acme"})
	env.srv.AddItem(types.KindOrders, map[string]any{"id": 50, "customer_account_id": 5})
	env.srv.AddItem(types.KindSamples, map[string]any{"id": 100, "order_id": 50})
	env.srv.AddItem(types.KindTests, map[string]any{"id": 200, "sample_id": 100})

	// When the test is recovered
	if err := env.recovery.Ensure(ctx, types.KindTests, 200); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	// Then the whole chain exists locally
	for _, check := range []struct {
		kind types.EntityKind
		id   int64
	}{
		{types.KindTests, 200},
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

func TestRecoveryShortCircuitsWhenAlreadyMirrored(t *testing.T) {
	// Given a customer already in the mirror
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.UpsertRecovered(ctx, &types.Customer{ID: 5, Name: "Acme", RawPayload: []byte(`{}`)}); err != nil {
		t.Fatalf("UpsertRecovered: %v", err)
	}

	// When recovery is asked for it
	if err := env.recovery.Ensure(ctx, types.KindCustomers, 5); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	// Then no remote request is made
	if got := env.srv.Requests("/api/v1/customer"); got != 0 {
		t.Errorf("remote requests = %d, want 0", got)
	}
}

func TestRecoveryReportsEntityMissingUpstream(t *testing.T) {
	// Given a remote without the requested order
	env := newTestEnv(t)

	// When recovery is attempted
	attempts, err := env.recovery.AttemptRecovery(context.Background(), types.KindOrders, 404404)

	// Then the missing-upstream sentinel surfaces without burning retries
	if !errors.Is(err, ErrNotFoundRemote) {
		t.Errorf("error = %v, want ErrNotFoundRemote", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRecoveryRejectsMissingDependencyID(t *testing.T) {
	// Given a reference without a usable ID
	env := newTestEnv(t)

	// When recovery is attempted for ID zero
	err := env.recovery.Ensure(context.Background(), types.KindSamples, 0)

	// Then the sentinel surfaces
	if !errors.Is(err, ErrMissingDependencyID) {
		t.Errorf("error = %v, want ErrMissingDependencyID", err)
	}
}

func TestRecoveryDetectsRevisitedReference(t *testing.T) {
	// Given a visit set that already contains the reference
	env := newTestEnv(t)
	visited := map[depRef]bool{{kind: types.KindOrders, id: 50}: true}

	// When the same reference comes around again
	err := env.recovery.ensure(context.Background(), types.KindOrders, 50, visited)

	// Then the cycle sentinel surfaces instead of looping
	if !errors.Is(err, ErrCyclicDependency) {
		t.Errorf("error = %v, want ErrCyclicDependency", err)
	}
}
