package export

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"stratus-hq/saturn/pkg/ledger"
)

// CSVExporter exports call records to CSV format.
type CSVExporter struct {
	// IncludeHeader includes a header row with column names.
	IncludeHeader bool
}

// NewCSVExporter creates a new CSV exporter.
func NewCSVExporter(includeHeader bool) *CSVExporter {
	return &CSVExporter{
		IncludeHeader: includeHeader,
	}
}

// Export writes call records to the provided writer in CSV format.
// Costs are emitted as decimal USD strings, timestamps as RFC 3339.
func (e *CSVExporter) Export(_ context.Context, records []*ledger.CallRecord, w io.Writer) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if e.IncludeHeader {
		if err := writer.Write(headerRow()); err != nil {
			return ledger.NewExportError("csv", len(records), err)
		}
	}

	for _, record := range records {
		if err := writer.Write(recordToRow(record)); err != nil {
			return ledger.NewExportError("csv", len(records), err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return ledger.NewExportError("csv", len(records), err)
	}
	return nil
}

// headerRow returns the CSV column names.
func headerRow() []string {
	return []string{
		"id", "time", "key_id", "user_id",
		"vendor_id", "endpoint_id", "provider_type",
		"ok", "status_code", "latency_ms", "error_type", "source",
		"cost_usd", "prompt_tokens", "completion_tokens",
	}
}

// recordToRow flattens one record into CSV fields.
func recordToRow(r *ledger.CallRecord) []string {
	return []string{
		r.ID,
		r.Time.Format(time.RFC3339Nano),
		r.KeyID,
		r.UserID,
		r.VendorID,
		r.EndpointID,
		r.ProviderType,
		strconv.FormatBool(r.OK),
		strconv.Itoa(r.StatusCode),
		strconv.FormatInt(r.LatencyMS, 10),
		r.ErrorType,
		string(r.Source),
		r.Cost.Decimal().String(),
		strconv.Itoa(r.PromptTokens),
		strconv.Itoa(r.CompletionTokens),
	}
}
