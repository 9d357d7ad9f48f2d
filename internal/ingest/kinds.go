// Package ingest contains the synchronization engine: per-entity sync
// workers, on-demand dependency recovery, and the sequential pipeline that
// drives them in dependency order.
package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/labmirror/internal/lims"
	"github.com/hyperengineering/labmirror/internal/types"
)

// depRef names one required dependency of a record.
type depRef struct {
	kind types.EntityKind
	id   int64
}

// missingFieldError marks a payload whose reference field is absent, so the
// skip accounting can name the field rather than lump it with decode errors.
type missingFieldError struct {
	id    int64
	field string
}

func (e *missingFieldError) Error() string { return "missing " + e.field }

// kindSpec describes how one entity kind is crawled: how its wire payload
// becomes a relational record and which references must exist locally
// before the record may be stored.
type kindSpec struct {
	kind types.EntityKind

	// alwaysDescending forces a newest-first crawl by creation date even
	// outside windowed mode. Orders are only retrievable that way.
	alwaysDescending bool

	depKinds  []types.EntityKind
	transform func(raw json.RawMessage) (types.Record, error)
	deps      func(record types.Record) []depRef
}

var kindSpecs = map[types.EntityKind]kindSpec{
	types.KindCustomers: {
		kind:      types.KindCustomers,
		transform: transformCustomer,
		deps:      func(types.Record) []depRef { return nil },
	},
	types.KindOrders: {
		kind:             types.KindOrders,
		alwaysDescending: true,
		depKinds:         []types.EntityKind{types.KindCustomers},
		transform:        transformOrder,
		deps: func(record types.Record) []depRef {
			order := record.(*types.Order)
			return []depRef{{kind: types.KindCustomers, id: order.CustomerID}}
		},
	},
	types.KindSamples: {
		kind:      types.KindSamples,
		depKinds:  []types.EntityKind{types.KindOrders},
		transform: transformSample,
		deps: func(record types.Record) []depRef {
			sample := record.(*types.Sample)
			return []depRef{{kind: types.KindOrders, id: sample.OrderID}}
		},
	},
	types.KindBatches: {
		kind:      types.KindBatches,
		depKinds:  []types.EntityKind{types.KindSamples, types.KindTests},
		transform: transformBatch,
		deps: func(record types.Record) []depRef {
			batch := record.(*types.Batch)
			refs := make([]depRef, 0, len(batch.SampleIDs)+len(batch.TestIDs))
			for _, id := range batch.SampleIDs {
				refs = append(refs, depRef{kind: types.KindSamples, id: id})
			}
			for _, id := range batch.TestIDs {
				refs = append(refs, depRef{kind: types.KindTests, id: id})
			}
			return refs
		},
	},
	types.KindTests: {
		kind:      types.KindTests,
		depKinds:  []types.EntityKind{types.KindSamples},
		transform: transformTest,
		deps: func(record types.Record) []depRef {
			test := record.(*types.Test)
			return []depRef{{kind: types.KindSamples, id: test.SampleID}}
		},
	},
}

func transformCustomer(raw json.RawMessage) (types.Record, error) {
	var payload lims.CustomerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode customer payload: %w", err)
	}
	if payload.ID == 0 {
		return nil, fmt.Errorf("customer payload missing id")
	}
	return &types.Customer{
		ID:          int64(payload.ID),
		Name:        payload.DisplayName(),
		DateCreated: payload.DateCreated.Time,
		RawPayload:  raw,
	}, nil
}

func transformOrder(raw json.RawMessage) (types.Record, error) {
	var payload lims.OrderPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode order payload: %w", err)
	}
	if payload.ID == 0 {
		return nil, fmt.Errorf("order payload missing id")
	}
	if payload.CustomerAccountID == 0 {
		return nil, fmt.Errorf("order %d: %w", payload.ID, &missingFieldError{id: payload.ID.Int64(), field: "customer_account_id"})
	}
	return &types.Order{
		ID:                int64(payload.ID),
		CustomFormattedID: payload.CustomFormattedID,
		CustomerID:        int64(payload.CustomerAccountID),
		DateCreated:       payload.DateCreated.Time,
		DateCompleted:     payload.DateCompleted.Time,
		DateReported:      payload.DateOrderReported.Time,
		DateReceived:      payload.DateReceived.Time,
		SampleCount:       payload.SampleCount.Ptr(),
		TestCount:         payload.TestCount.Ptr(),
		State:             payload.State,
		RawPayload:        raw,
	}, nil
}

func transformSample(raw json.RawMessage) (types.Record, error) {
	var payload lims.SamplePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode sample payload: %w", err)
	}
	if payload.ID == 0 {
		return nil, fmt.Errorf("sample payload missing id")
	}
	if payload.OrderID == 0 {
		return nil, fmt.Errorf("sample %d: %w", payload.ID, &missingFieldError{id: payload.ID.Int64(), field: "order_id"})
	}
	return &types.Sample{
		ID:                int64(payload.ID),
		SampleName:        payload.Name(),
		CustomFormattedID: payload.CustomFormattedID,
		OrderID:           int64(payload.OrderID),
		HasReport:         bool(payload.HasReport),
		BatchIDs:          payload.BatchList(),
		CompletedDate:     payload.Completed(),
		DateCreated:       payload.DateCreated.Time,
		StartDate:         payload.StartDate.Time,
		MatrixType:        payload.MatrixType,
		SampleType:        payload.AccessioningType.Value,
		State:             payload.State,
		TestCount:         payload.TestCount.Ptr(),
		SampleWeight:      payload.SampleWeight.Value,
		RawPayload:        raw,
	}, nil
}

func transformBatch(raw json.RawMessage) (types.Record, error) {
	var payload lims.BatchPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode batch payload: %w", err)
	}
	if payload.ID == 0 {
		return nil, fmt.Errorf("batch payload missing id")
	}
	return &types.Batch{
		ID:           int64(payload.ID),
		AssayID:      payload.AssayID.Ptr(),
		DisplayName:  payload.DisplayName,
		DateCreated:  payload.DateCreated.Time,
		DatePrepared: payload.DatePrepared.Time,
		LastUpdated:  payload.LastUpdated.Time,
		SampleIDs:    payload.SampleIDs,
		TestIDs:      payload.TestIDs,
		RawPayload:   raw,
	}, nil
}

func transformTest(raw json.RawMessage) (types.Record, error) {
	var payload lims.TestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode test payload: %w", err)
	}
	if payload.ID == 0 {
		return nil, fmt.Errorf("test payload missing id")
	}
	if payload.SampleID == 0 {
		return nil, fmt.Errorf("test %d: %w", payload.ID, &missingFieldError{id: payload.ID.Int64(), field: "sample_id"})
	}
	return &types.Test{
		ID:                  int64(payload.ID),
		SampleID:            int64(payload.SampleID),
		BatchIDs:            payload.BatchList(),
		DateCreated:         payload.DateCreated.Time,
		State:               payload.State,
		HasReport:           bool(payload.HasReport),
		ReportCompletedDate: payload.ReportCompletedDate.Time,
		LabelAbbr:           payload.Label(),
		Title:               payload.DisplayTitle(),
		WorksheetRaw:        payload.Worksheet(),
		RawPayload:          raw,
	}, nil
}
