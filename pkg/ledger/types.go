package ledger

import (
	"context"
	"io"
	"time"

	"stratus-hq/saturn/pkg/money"
)

// Source distinguishes automatically recorded call outcomes from
// operator-triggered probes.
type Source string

const (
	// SourceAuto marks outcomes recorded on the normal request path.
	SourceAuto Source = "auto"

	// SourceManual marks outcomes from on-demand operator probes.
	SourceManual Source = "manual"
)

// SubjectKind identifies which budget dimension a ledger row is
// attributed to when summing costs. Mirrors the admission layer's
// subject kinds without importing it.
const (
	SubjectKindKey      = "key"
	SubjectKindUser     = "user"
	SubjectKindEndpoint = "endpoint"
)

// CallRecord is the immutable record of one completed upstream call
// attempt. Records are append-only; nothing in the gateway ever
// mutates a stored record.
type CallRecord struct {
	// ID is a UUID v4 assigned at record creation.
	ID string `json:"id"`

	// Time is when the call completed.
	Time time.Time `json:"time"`

	// KeyID and UserID identify the admitted subject pair.
	KeyID  string `json:"key_id"`
	UserID string `json:"user_id"`

	// VendorID, EndpointID, and ProviderType identify the upstream that
	// served (or failed) the call.
	VendorID     string `json:"vendor_id"`
	EndpointID   string `json:"endpoint_id"`
	ProviderType string `json:"provider_type"`

	// OK indicates the call succeeded with no transport failure.
	OK bool `json:"ok"`

	// StatusCode is the upstream HTTP status (0 when transport failed).
	StatusCode int `json:"status_code"`

	// LatencyMS is the call round-trip time in milliseconds.
	LatencyMS int64 `json:"latency_ms"`

	// ErrorType classifies the failure ("timeout", "dns", "server_error",
	// ...); empty on success.
	ErrorType string `json:"error_type,omitempty"`

	// Source is "auto" for request-path records, "manual" for probes.
	Source Source `json:"source"`

	// Cost is the settled cost of the call.
	Cost money.Amount `json:"cost_micros"`

	// Token usage, when the upstream reported it.
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Query defines filter parameters for listing call records.
type Query struct {
	// Time range. StartTime is inclusive, EndTime exclusive.
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// Filters. Empty values match everything.
	KeyID        string `json:"key_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	VendorID     string `json:"vendor_id,omitempty"`
	EndpointID   string `json:"endpoint_id,omitempty"`
	ProviderType string `json:"provider_type,omitempty"`
	Source       Source `json:"source,omitempty"`

	// OK filters by outcome when non-nil.
	OK *bool `json:"ok,omitempty"`

	// Pagination.
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`

	// SortOrder is "asc" or "desc" by time. Default: "desc".
	SortOrder string `json:"sort_order,omitempty"`
}

// Storage defines the interface for durable request log backends.
// Implementations must be thread-safe and support concurrent access.
type Storage interface {
	// Append persists one call record. The write is synchronous:
	// Append returns nil once the record is durable.
	Append(ctx context.Context, record *CallRecord) error

	// SumCost returns the total settled cost attributed to the given
	// subject in [from, to). subjectKind is one of the SubjectKind
	// constants; for "endpoint" the sum is over EndpointID.
	SumCost(ctx context.Context, subjectKind, subjectID string, from, to time.Time) (money.Amount, error)

	// List retrieves call records matching the query filters.
	List(ctx context.Context, query *Query) ([]*CallRecord, error)

	// Count returns the number of records matching the query filters.
	Count(ctx context.Context, query *Query) (int64, error)

	// DeleteBefore removes records older than cutoff and returns the
	// number deleted. Used for retention enforcement.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// TrimToCount deletes the oldest records until at most max remain.
	// Returns the number deleted.
	TrimToCount(ctx context.Context, max int64) (int64, error)

	// Close releases any resources held by the storage backend.
	Close() error
}

// Exporter writes call records to an output stream in a specific format.
type Exporter interface {
	// Export writes the records to w. Returns an error if the export fails.
	Export(ctx context.Context, records []*CallRecord, w io.Writer) error
}
