package lims

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Page is one page of a list endpoint response.
type Page struct {
	Items      []json.RawMessage
	TotalPages int
}

// ListOptions controls pagination, ordering and filtering of list calls.
type ListOptions struct {
	PageNum   int
	PageSize  int
	SortBy    string
	SortOrder string
	// Filters carries extra query parameters verbatim.
	Filters map[string][]string
}

// listEnvelope is the wire shape of every list endpoint.
type listEnvelope struct {
	Data       []json.RawMessage `json:"data"`
	TotalPages FlexInt           `json:"total_pages"`
}

// FlexInt decodes an integer that the remote API may serialize as a JSON
// number, a numeric string, or null (which decodes to zero).
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Tolerate fractional renderings of whole numbers.
		if fl, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			*f = FlexInt(int64(fl))
			return nil
		}
		*f = 0
		return nil
	}
	*f = FlexInt(n)
	return nil
}

// Int64 returns the value as int64.
func (f FlexInt) Int64() int64 { return int64(f) }

// Ptr returns a pointer to the value, or nil when it is zero and absent
// semantics are wanted by the caller.
func (f *FlexInt) Ptr() *int64 {
	if f == nil {
		return nil
	}
	v := int64(*f)
	return &v
}

// FlexBool decodes a boolean that may arrive as a JSON bool, 0/1, or string.
type FlexBool bool

func (f *FlexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch strings.ToLower(s) {
	case "true", "1":
		*f = true
	default:
		*f = false
	}
	return nil
}

var nonNumericChars = regexp.MustCompile(`[^0-9,.\-]`)

// FlexFloat decodes a numeric field that may arrive as a JSON number or a
// decorated string such as "1,5 g". Unparseable values decode to nil.
type FlexFloat struct {
	Value *float64
}

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	cleaned := strings.ReplaceAll(nonNumericChars.ReplaceAllString(s, ""), ",", ".")
	if cleaned == "" {
		return nil
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	f.Value = &v
	return nil
}

// IDList decodes an array of IDs whose elements may be numbers or numeric
// strings. Invalid elements are dropped. A null or absent array is empty.
type IDList []int64

func (l *IDList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		*l = nil
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, item := range raw {
		var f FlexInt
		if err := f.UnmarshalJSON(item); err != nil {
			continue
		}
		if f != 0 {
			out = append(out, int64(f))
		}
	}
	*l = out
	return nil
}

// FlexTime decodes the date/time renderings the remote API is known to emit.
// Unknown formats decode to a nil Time rather than failing the whole payload.
type FlexTime struct {
	Time *time.Time
}

var timeFormats = []string{
	"01/02/2006 03:04 PM",
	"01/02/2006",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses a remote timestamp string, returning nil for empty or
// unrecognized values. Plain digit strings are treated as Unix seconds.
func ParseTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, format := range timeFormats {
		if t, err := time.Parse(format, value); err == nil {
			return &t
		}
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		t := time.Unix(n, 0).UTC()
		return &t
	}
	return nil
}

func (f *FlexTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	f.Time = ParseTime(strings.Trim(s, `"`))
	return nil
}

// CustomerPayload is the wire shape of a remote customer.
type CustomerPayload struct {
	ID           FlexInt  `json:"id"`
	CustomerName string   `json:"customer_name"`
	Name         string   `json:"name"`
	DateCreated  FlexTime `json:"date_created"`
}

// DisplayName returns the preferred customer name field.
func (p *CustomerPayload) DisplayName() string {
	if p.CustomerName != "" {
		return p.CustomerName
	}
	return p.Name
}

// OrderPayload is the wire shape of a remote order.
type OrderPayload struct {
	ID                FlexInt  `json:"id"`
	CustomFormattedID string   `json:"custom_formatted_id"`
	CustomerAccountID FlexInt  `json:"customer_account_id"`
	DateCreated       FlexTime `json:"date_created"`
	DateCompleted     FlexTime `json:"date_completed"`
	DateOrderReported FlexTime `json:"date_order_reported"`
	DateReceived      FlexTime `json:"date_received"`
	SampleCount       *FlexInt `json:"sample_count"`
	TestCount         *FlexInt `json:"test_count"`
	State             string   `json:"state"`
}

// SamplePayload is the wire shape of a remote sample.
type SamplePayload struct {
	ID                FlexInt  `json:"id"`
	SampleName        string   `json:"sample_name"`
	Description       string   `json:"description"`
	CustomFormattedID string   `json:"custom_formatted_id"`
	OrderID           FlexInt  `json:"order_id"`
	HasReport         FlexBool `json:"has_report"`
	Batches           IDList   `json:"batches"`
	BatchIDs          IDList   `json:"batch_ids"`
	CompletedDate     FlexTime `json:"completed_date"`
	CompleteDate      FlexTime `json:"complete_date"`
	DateCreated       FlexTime `json:"date_created"`
	StartDate         FlexTime `json:"start_date"`
	MatrixType        string   `json:"matrix_type"`
	AccessioningType  struct {
		Value string `json:"value"`
	} `json:"accessioning_type"`
	State        string    `json:"state"`
	TestCount    *FlexInt  `json:"test_count"`
	SampleWeight FlexFloat `json:"sample_weight"`
}

// Name returns the preferred sample name field.
func (p *SamplePayload) Name() string {
	if p.SampleName != "" {
		return p.SampleName
	}
	return p.Description
}

// BatchList returns whichever batch ID list field was populated.
func (p *SamplePayload) BatchList() []int64 {
	if len(p.Batches) > 0 {
		return p.Batches
	}
	return p.BatchIDs
}

// Completed returns the completion timestamp, tolerating the legacy field name.
func (p *SamplePayload) Completed() *time.Time {
	if p.CompletedDate.Time != nil {
		return p.CompletedDate.Time
	}
	return p.CompleteDate.Time
}

// BatchPayload is the wire shape of a remote batch.
type BatchPayload struct {
	ID           FlexInt  `json:"id"`
	AssayID      *FlexInt `json:"assay_id"`
	DisplayName  string   `json:"display_name"`
	DateCreated  FlexTime `json:"date_created"`
	DatePrepared FlexTime `json:"date_prepared"`
	LastUpdated  FlexTime `json:"last_updated"`
	SampleIDs    IDList   `json:"sample_ids"`
	TestIDs      IDList   `json:"test_ids"`
}

// TestPayload is the wire shape of a remote test.
type TestPayload struct {
	ID                  FlexInt  `json:"id"`
	SampleID            FlexInt  `json:"sample_id"`
	Batches             IDList   `json:"batches"`
	BatchIDs            IDList   `json:"batch_ids"`
	DateCreated         FlexTime `json:"date_created"`
	State               string   `json:"state"`
	HasReport           FlexBool `json:"has_report"`
	ReportCompletedDate FlexTime `json:"report_completed_date"`
	LabelAbbr           string   `json:"label_abbr"`
	Title               string   `json:"title"`
	Assay               struct {
		LabelAbbr string `json:"label_abbr"`
		Title     string `json:"title"`
	} `json:"assay"`
	WorksheetData json.RawMessage `json:"worksheet_data"`
	WorksheetJSON json.RawMessage `json:"worksheet_json"`
	WorksheetRaw  json.RawMessage `json:"worksheet_raw"`
}

// Label returns the test label, falling back to the embedded assay.
func (p *TestPayload) Label() string {
	if p.LabelAbbr != "" {
		return p.LabelAbbr
	}
	return p.Assay.LabelAbbr
}

// DisplayTitle returns the test title, falling back to the embedded assay.
func (p *TestPayload) DisplayTitle() string {
	if p.Title != "" {
		return p.Title
	}
	return p.Assay.Title
}

// BatchList returns whichever batch ID list field was populated.
func (p *TestPayload) BatchList() []int64 {
	if len(p.Batches) > 0 {
		return p.Batches
	}
	return p.BatchIDs
}

// Worksheet returns the first populated worksheet payload variant.
func (p *TestPayload) Worksheet() json.RawMessage {
	for _, w := range []json.RawMessage{p.WorksheetData, p.WorksheetJSON, p.WorksheetRaw} {
		if len(w) > 0 && string(w) != "null" {
			return w
		}
	}
	return nil
}
