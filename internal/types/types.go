package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityKind identifies one of the mirrored entity types.
type EntityKind string

const (
	KindCustomers EntityKind = "customers"
	KindOrders    EntityKind = "orders"
	KindSamples   EntityKind = "samples"
	KindBatches   EntityKind = "batches"
	KindTests     EntityKind = "tests"
)

// Kinds lists all entity kinds in dependency order: each kind only
// references kinds that appear before it.
var Kinds = []EntityKind{KindCustomers, KindOrders, KindSamples, KindBatches, KindTests}

var kindAliases = map[string]EntityKind{
	"customer":  KindCustomers,
	"customers": KindCustomers,
	"order":     KindOrders,
	"orders":    KindOrders,
	"sample":    KindSamples,
	"samples":   KindSamples,
	"batch":     KindBatches,
	"batches":   KindBatches,
	"test":      KindTests,
	"tests":     KindTests,
}

// ParseKind resolves a kind name, accepting singular and plural spellings.
func ParseKind(s string) (EntityKind, error) {
	if k, ok := kindAliases[s]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Singular returns the singular form used in API paths and skip reasons.
func (k EntityKind) Singular() string {
	switch k {
	case KindCustomers:
		return "customer"
	case KindOrders:
		return "order"
	case KindSamples:
		return "sample"
	case KindBatches:
		return "batch"
	case KindTests:
		return "test"
	}
	return string(k)
}

// Record is the relational shape of one mirrored entity. Implementations
// are the five concrete entity structs below.
type Record interface {
	EntityKind() EntityKind
	RemoteID() int64
	CreatedTime() *time.Time
}

// Customer mirrors one remote customer row.
type Customer struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Aliases     []string        `json:"aliases"`
	DateCreated *time.Time      `json:"date_created,omitempty"`
	RawPayload  json.RawMessage `json:"raw_payload"`
	FetchedAt   time.Time       `json:"fetched_at"`
}

func (c *Customer) EntityKind() EntityKind  { return KindCustomers }
func (c *Customer) RemoteID() int64         { return c.ID }
func (c *Customer) CreatedTime() *time.Time { return c.DateCreated }

// Order mirrors one remote order row. CustomerID is a required reference.
type Order struct {
	ID                int64           `json:"id"`
	CustomFormattedID string          `json:"custom_formatted_id,omitempty"`
	CustomerID        int64           `json:"customer_account_id"`
	DateCreated       *time.Time      `json:"date_created,omitempty"`
	DateCompleted     *time.Time      `json:"date_completed,omitempty"`
	DateReported      *time.Time      `json:"date_order_reported,omitempty"`
	DateReceived      *time.Time      `json:"date_received,omitempty"`
	SampleCount       *int64          `json:"sample_count,omitempty"`
	TestCount         *int64          `json:"test_count,omitempty"`
	State             string          `json:"state,omitempty"`
	RawPayload        json.RawMessage `json:"raw_payload"`
	FetchedAt         time.Time       `json:"fetched_at"`
}

func (o *Order) EntityKind() EntityKind  { return KindOrders }
func (o *Order) RemoteID() int64         { return o.ID }
func (o *Order) CreatedTime() *time.Time { return o.DateCreated }

// Sample mirrors one remote sample row. OrderID is a required reference;
// BatchIDs is informational and carries no dependency requirement.
type Sample struct {
	ID                int64           `json:"id"`
	SampleName        string          `json:"sample_name,omitempty"`
	CustomFormattedID string          `json:"custom_formatted_id,omitempty"`
	OrderID           int64           `json:"order_id"`
	HasReport         bool            `json:"has_report"`
	BatchIDs          []int64         `json:"batch_ids"`
	CompletedDate     *time.Time      `json:"completed_date,omitempty"`
	DateCreated       *time.Time      `json:"date_created,omitempty"`
	StartDate         *time.Time      `json:"start_date,omitempty"`
	MatrixType        string          `json:"matrix_type,omitempty"`
	SampleType        string          `json:"sample_type,omitempty"`
	State             string          `json:"state,omitempty"`
	TestCount         *int64          `json:"test_count,omitempty"`
	SampleWeight      *float64        `json:"sample_weight,omitempty"`
	RawPayload        json.RawMessage `json:"raw_payload"`
	FetchedAt         time.Time       `json:"fetched_at"`
}

func (s *Sample) EntityKind() EntityKind  { return KindSamples }
func (s *Sample) RemoteID() int64         { return s.ID }
func (s *Sample) CreatedTime() *time.Time { return s.DateCreated }

// Batch mirrors one remote batch row. SampleIDs and TestIDs are dependency
// lists; an empty list has nothing to satisfy.
type Batch struct {
	ID           int64           `json:"id"`
	AssayID      *int64          `json:"assay_id,omitempty"`
	DisplayName  string          `json:"display_name,omitempty"`
	DateCreated  *time.Time      `json:"date_created,omitempty"`
	DatePrepared *time.Time      `json:"date_prepared,omitempty"`
	LastUpdated  *time.Time      `json:"last_updated,omitempty"`
	SampleIDs    []int64         `json:"sample_ids"`
	TestIDs      []int64         `json:"test_ids"`
	RawPayload   json.RawMessage `json:"raw_payload"`
	FetchedAt    time.Time       `json:"fetched_at"`
}

func (b *Batch) EntityKind() EntityKind  { return KindBatches }
func (b *Batch) RemoteID() int64         { return b.ID }
func (b *Batch) CreatedTime() *time.Time { return b.DateCreated }

// Test mirrors one remote test row. SampleID is a required reference.
type Test struct {
	ID                  int64           `json:"id"`
	SampleID            int64           `json:"sample_id"`
	BatchIDs            []int64         `json:"batch_ids"`
	DateCreated         *time.Time      `json:"date_created,omitempty"`
	State               string          `json:"state,omitempty"`
	HasReport           bool            `json:"has_report"`
	ReportCompletedDate *time.Time      `json:"report_completed_date,omitempty"`
	LabelAbbr           string          `json:"label_abbr,omitempty"`
	Title               string          `json:"title,omitempty"`
	WorksheetRaw        json.RawMessage `json:"worksheet_raw,omitempty"`
	RawPayload          json.RawMessage `json:"raw_payload"`
	FetchedAt           time.Time       `json:"fetched_at"`
}

func (t *Test) EntityKind() EntityKind  { return KindTests }
func (t *Test) RemoteID() int64         { return t.ID }
func (t *Test) CreatedTime() *time.Time { return t.DateCreated }

// Checkpoint status values.
const (
	StatusNever     = "never"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Checkpoint is the durable sync watermark for one entity kind.
type Checkpoint struct {
	Entity       EntityKind `json:"entity"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	LastCursor   *int       `json:"last_cursor,omitempty"`
	LastID       *int64     `json:"last_id,omitempty"`
	Status       string     `json:"status"`
	Message      string     `json:"message,omitempty"`
	Failed       bool       `json:"failed"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
