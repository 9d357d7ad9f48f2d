package types

import (
	"testing"
	"time"
)

func TestParseKind_AcceptsSingularAndPlural(t *testing.T) {
	cases := map[string]EntityKind{
		"customer": KindCustomers,
		"orders":   KindOrders,
		"sample":   KindSamples,
		"batches":  KindBatches,
		"test":     KindTests,
	}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil {
			t.Fatalf("ParseKind(%q) returned error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseKind(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseKind_RejectsUnknown(t *testing.T) {
	if _, err := ParseKind("widgets"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestKinds_DependencyOrder(t *testing.T) {
	// Each kind must appear after every kind it can reference.
	pos := make(map[EntityKind]int, len(Kinds))
	for i, k := range Kinds {
		pos[k] = i
	}
	if pos[KindOrders] < pos[KindCustomers] {
		t.Error("orders must follow customers")
	}
	if pos[KindSamples] < pos[KindOrders] {
		t.Error("samples must follow orders")
	}
	if pos[KindBatches] < pos[KindSamples] || pos[KindTests] < pos[KindSamples] {
		t.Error("batches and tests must follow samples")
	}
}

func TestRecord_Implementations(t *testing.T) {
	now := time.Now()
	records := []Record{
		&Customer{ID: 1, DateCreated: &now},
		&Order{ID: 2, DateCreated: &now},
		&Sample{ID: 3, DateCreated: &now},
		&Batch{ID: 4, DateCreated: &now},
		&Test{ID: 5, DateCreated: &now},
	}
	wantKinds := []EntityKind{KindCustomers, KindOrders, KindSamples, KindBatches, KindTests}
	for i, rec := range records {
		if rec.EntityKind() != wantKinds[i] {
			t.Errorf("record %d kind = %q, want %q", i, rec.EntityKind(), wantKinds[i])
		}
		if rec.RemoteID() != int64(i+1) {
			t.Errorf("record %d id = %d, want %d", i, rec.RemoteID(), i+1)
		}
		if rec.CreatedTime() == nil {
			t.Errorf("record %d missing created time", i)
		}
	}
}
