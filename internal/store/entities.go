package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/labmirror/internal/types"
)

// PageAdvance describes the checkpoint movement that accompanies one page of
// upserts. MaxID is the highest remote ID seen on the page and MaxCreated the
// newest creation timestamp among stored rows; both are zero when the page
// carried no rows worth recording.
type PageAdvance struct {
	Page       int
	MaxID      int64
	MaxCreated time.Time
}

// ApplyPage upserts one page of records and advances the entity's checkpoint
// in a single transaction, so a crash never leaves rows ahead of the
// watermark. The ID and creation-time watermarks only ever move up; a page
// that stored nothing leaves them untouched.
func (s *SQLiteStore) ApplyPage(ctx context.Context, kind types.EntityKind, records []types.Record, adv PageAdvance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin page transaction: %w", err)
	}
	defer tx.Rollback()

	for _, record := range records {
		if err := upsertRecord(ctx, tx, record); err != nil {
			return fmt.Errorf("upsert %s %d: %w", record.EntityKind().Singular(), record.RemoteID(), err)
		}
	}

	var maxCreated any
	if !adv.MaxCreated.IsZero() {
		maxCreated = adv.MaxCreated.UTC().Format(time.RFC3339)
	}

	// RFC3339 UTC strings order lexically, so MAX() over the TEXT column
	// compares timestamps correctly.
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (entity, last_synced_at, last_cursor, last_id, status, failed, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(entity) DO UPDATE SET
			last_synced_at = NULLIF(MAX(COALESCE(last_synced_at, ''), COALESCE(excluded.last_synced_at, '')), ''),
			last_cursor    = excluded.last_cursor,
			last_id        = MAX(COALESCE(last_id, 0), excluded.last_id),
			updated_at     = excluded.updated_at
	`, string(kind), maxCreated, adv.Page, adv.MaxID, types.StatusRunning, now)
	if err != nil {
		return fmt.Errorf("advance %s checkpoint: %w", kind, err)
	}

	return tx.Commit()
}

// UpsertRecovered stores a single recovered entity and bumps the kind's ID
// watermark so a later incremental pass does not treat it as new work.
func (s *SQLiteStore) UpsertRecovered(ctx context.Context, record types.Record) error {
	kind := record.EntityKind()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin recovery transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertRecord(ctx, tx, record); err != nil {
		return fmt.Errorf("upsert recovered %s %d: %w", kind.Singular(), record.RemoteID(), err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (entity, last_id, status, message, failed, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(entity) DO UPDATE SET
			last_id    = MAX(COALESCE(last_id, 0), excluded.last_id),
			message    = excluded.message,
			updated_at = excluded.updated_at
	`, string(kind), record.RemoteID(), types.StatusNever, "recovered on demand", now)
	if err != nil {
		return fmt.Errorf("bump %s checkpoint: %w", kind, err)
	}

	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertRecord(ctx context.Context, tx execer, record types.Record) error {
	fetchedAt := time.Now().UTC().Format(time.RFC3339)

	switch r := record.(type) {
	case *types.Customer:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO customers (id, name, aliases, date_created, raw_payload, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name         = excluded.name,
				aliases      = excluded.aliases,
				date_created = excluded.date_created,
				raw_payload  = excluded.raw_payload,
				fetched_at   = excluded.fetched_at
		`, r.ID, r.Name, encodeStrings(r.Aliases), formatTime(r.DateCreated), string(r.RawPayload), fetchedAt)
		return err

	case *types.Order:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, custom_formatted_id, customer_account_id, date_created, date_completed,
				date_order_reported, date_received, sample_count, test_count, state, raw_payload, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				custom_formatted_id = excluded.custom_formatted_id,
				customer_account_id = excluded.customer_account_id,
				date_created        = excluded.date_created,
				date_completed      = excluded.date_completed,
				date_order_reported = excluded.date_order_reported,
				date_received       = excluded.date_received,
				sample_count        = excluded.sample_count,
				test_count          = excluded.test_count,
				state               = excluded.state,
				raw_payload         = excluded.raw_payload,
				fetched_at          = excluded.fetched_at
		`, r.ID, nullableString(r.CustomFormattedID), r.CustomerID, formatTime(r.DateCreated),
			formatTime(r.DateCompleted), formatTime(r.DateReported), formatTime(r.DateReceived),
			nullableInt64(r.SampleCount), nullableInt64(r.TestCount), nullableString(r.State),
			string(r.RawPayload), fetchedAt)
		return err

	case *types.Sample:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO samples (id, sample_name, custom_formatted_id, order_id, has_report, batch_ids,
				completed_date, date_created, start_date, matrix_type, sample_type, state, test_count,
				sample_weight, raw_payload, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				sample_name         = excluded.sample_name,
				custom_formatted_id = excluded.custom_formatted_id,
				order_id            = excluded.order_id,
				has_report          = excluded.has_report,
				batch_ids           = excluded.batch_ids,
				completed_date      = excluded.completed_date,
				date_created        = excluded.date_created,
				start_date          = excluded.start_date,
				matrix_type         = excluded.matrix_type,
				sample_type         = excluded.sample_type,
				state               = excluded.state,
				test_count          = excluded.test_count,
				sample_weight       = excluded.sample_weight,
				raw_payload         = excluded.raw_payload,
				fetched_at          = excluded.fetched_at
		`, r.ID, nullableString(r.SampleName), nullableString(r.CustomFormattedID), r.OrderID,
			r.HasReport, encodeIDs(r.BatchIDs), formatTime(r.CompletedDate), formatTime(r.DateCreated),
			formatTime(r.StartDate), nullableString(r.MatrixType), nullableString(r.SampleType),
			nullableString(r.State), nullableInt64(r.TestCount), nullableFloat64(r.SampleWeight),
			string(r.RawPayload), fetchedAt)
		return err

	case *types.Batch:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batches (id, assay_id, display_name, date_created, date_prepared, last_updated,
				sample_ids, test_ids, raw_payload, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				assay_id      = excluded.assay_id,
				display_name  = excluded.display_name,
				date_created  = excluded.date_created,
				date_prepared = excluded.date_prepared,
				last_updated  = excluded.last_updated,
				sample_ids    = excluded.sample_ids,
				test_ids      = excluded.test_ids,
				raw_payload   = excluded.raw_payload,
				fetched_at    = excluded.fetched_at
		`, r.ID, nullableInt64(r.AssayID), nullableString(r.DisplayName), formatTime(r.DateCreated),
			formatTime(r.DatePrepared), formatTime(r.LastUpdated), encodeIDs(r.SampleIDs),
			encodeIDs(r.TestIDs), string(r.RawPayload), fetchedAt)
		return err

	case *types.Test:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tests (id, sample_id, batch_ids, date_created, state, has_report,
				report_completed_date, label_abbr, title, worksheet_raw, raw_payload, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				sample_id             = excluded.sample_id,
				batch_ids             = excluded.batch_ids,
				date_created          = excluded.date_created,
				state                 = excluded.state,
				has_report            = excluded.has_report,
				report_completed_date = excluded.report_completed_date,
				label_abbr            = excluded.label_abbr,
				title                 = excluded.title,
				worksheet_raw         = excluded.worksheet_raw,
				raw_payload           = excluded.raw_payload,
				fetched_at            = excluded.fetched_at
		`, r.ID, r.SampleID, encodeIDs(r.BatchIDs), formatTime(r.DateCreated), nullableString(r.State),
			r.HasReport, formatTime(r.ReportCompletedDate), nullableString(r.LabelAbbr),
			nullableString(r.Title), nullableRaw(r.WorksheetRaw), string(r.RawPayload), fetchedAt)
		return err
	}

	return fmt.Errorf("%w: %T", ErrUnknownEntity, record)
}

// GetCustomer loads one mirrored customer.
func (s *SQLiteStore) GetCustomer(ctx context.Context, id int64) (*types.Customer, error) {
	var (
		c       types.Customer
		aliases string
		created sql.NullString
		raw     string
		fetched string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, aliases, date_created, raw_payload, fetched_at
		FROM customers WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &aliases, &created, &raw, &fetched)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("customer %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c.Aliases = decodeStrings(aliases)
	c.DateCreated = parseTime(created)
	c.RawPayload = []byte(raw)
	c.FetchedAt, _ = time.Parse(time.RFC3339, fetched)
	return &c, nil
}

// GetOrder loads one mirrored order.
func (s *SQLiteStore) GetOrder(ctx context.Context, id int64) (*types.Order, error) {
	var (
		o                  types.Order
		cfi, state         sql.NullString
		created, completed sql.NullString
		reported, received sql.NullString
		sampleN, testN     sql.NullInt64
		raw, fetched       string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, custom_formatted_id, customer_account_id, date_created, date_completed,
			date_order_reported, date_received, sample_count, test_count, state, raw_payload, fetched_at
		FROM orders WHERE id = ?
	`, id).Scan(&o.ID, &cfi, &o.CustomerID, &created, &completed, &reported, &received,
		&sampleN, &testN, &state, &raw, &fetched)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	o.CustomFormattedID = cfi.String
	o.State = state.String
	o.DateCreated = parseTime(created)
	o.DateCompleted = parseTime(completed)
	o.DateReported = parseTime(reported)
	o.DateReceived = parseTime(received)
	o.SampleCount = int64Ptr(sampleN)
	o.TestCount = int64Ptr(testN)
	o.RawPayload = []byte(raw)
	o.FetchedAt, _ = time.Parse(time.RFC3339, fetched)
	return &o, nil
}

// GetSample loads one mirrored sample.
func (s *SQLiteStore) GetSample(ctx context.Context, id int64) (*types.Sample, error) {
	var (
		sm                        types.Sample
		name, cfi, matrix         sql.NullString
		sampleType, state         sql.NullString
		batchIDs                  string
		completed, created, start sql.NullString
		testN                     sql.NullInt64
		weight                    sql.NullFloat64
		raw, fetched              string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sample_name, custom_formatted_id, order_id, has_report, batch_ids, completed_date,
			date_created, start_date, matrix_type, sample_type, state, test_count, sample_weight,
			raw_payload, fetched_at
		FROM samples WHERE id = ?
	`, id).Scan(&sm.ID, &name, &cfi, &sm.OrderID, &sm.HasReport, &batchIDs, &completed,
		&created, &start, &matrix, &sampleType, &state, &testN, &weight, &raw, &fetched)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sample %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sm.SampleName = name.String
	sm.CustomFormattedID = cfi.String
	sm.BatchIDs = decodeIDs(batchIDs)
	sm.CompletedDate = parseTime(completed)
	sm.DateCreated = parseTime(created)
	sm.StartDate = parseTime(start)
	sm.MatrixType = matrix.String
	sm.SampleType = sampleType.String
	sm.State = state.String
	sm.TestCount = int64Ptr(testN)
	sm.SampleWeight = float64Ptr(weight)
	sm.RawPayload = []byte(raw)
	sm.FetchedAt, _ = time.Parse(time.RFC3339, fetched)
	return &sm, nil
}

// GetBatch loads one mirrored batch.
func (s *SQLiteStore) GetBatch(ctx context.Context, id int64) (*types.Batch, error) {
	var (
		b                  types.Batch
		assayID            sql.NullInt64
		display            sql.NullString
		created, prepared  sql.NullString
		updated            sql.NullString
		sampleIDs, testIDs string
		raw, fetched       string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, assay_id, display_name, date_created, date_prepared, last_updated,
			sample_ids, test_ids, raw_payload, fetched_at
		FROM batches WHERE id = ?
	`, id).Scan(&b.ID, &assayID, &display, &created, &prepared, &updated, &sampleIDs, &testIDs, &raw, &fetched)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	b.AssayID = int64Ptr(assayID)
	b.DisplayName = display.String
	b.DateCreated = parseTime(created)
	b.DatePrepared = parseTime(prepared)
	b.LastUpdated = parseTime(updated)
	b.SampleIDs = decodeIDs(sampleIDs)
	b.TestIDs = decodeIDs(testIDs)
	b.RawPayload = []byte(raw)
	b.FetchedAt, _ = time.Parse(time.RFC3339, fetched)
	return &b, nil
}

// GetTest loads one mirrored test.
func (s *SQLiteStore) GetTest(ctx context.Context, id int64) (*types.Test, error) {
	var (
		t                  types.Test
		batchIDs           string
		created, reportC   sql.NullString
		state, abbr, title sql.NullString
		worksheet          sql.NullString
		raw, fetched       string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sample_id, batch_ids, date_created, state, has_report, report_completed_date,
			label_abbr, title, worksheet_raw, raw_payload, fetched_at
		FROM tests WHERE id = ?
	`, id).Scan(&t.ID, &t.SampleID, &batchIDs, &created, &state, &t.HasReport, &reportC,
		&abbr, &title, &worksheet, &raw, &fetched)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("test %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	t.BatchIDs = decodeIDs(batchIDs)
	t.DateCreated = parseTime(created)
	t.State = state.String
	t.ReportCompletedDate = parseTime(reportC)
	t.LabelAbbr = abbr.String
	t.Title = title.String
	if worksheet.Valid {
		t.WorksheetRaw = []byte(worksheet.String)
	}
	t.RawPayload = []byte(raw)
	t.FetchedAt, _ = time.Parse(time.RFC3339, fetched)
	return &t, nil
}

func nullableRaw(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		return nil
	}
	return values
}
