// Package export writes call records to JSON and CSV for operator
// reports.
package export

import (
	"context"
	"encoding/json"
	"io"

	"stratus-hq/saturn/pkg/ledger"
)

// JSONExporter exports call records to JSON format.
type JSONExporter struct {
	// Pretty enables pretty-printing with indentation.
	Pretty bool
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(pretty bool) *JSONExporter {
	return &JSONExporter{
		Pretty: pretty,
	}
}

// Export writes call records to the provided writer as a JSON array.
func (e *JSONExporter) Export(_ context.Context, records []*ledger.CallRecord, w io.Writer) error {
	if len(records) == 0 {
		_, err := w.Write([]byte("[]"))
		return err
	}

	var data []byte
	var err error
	if e.Pretty {
		data, err = json.MarshalIndent(records, "", "  ")
	} else {
		data, err = json.Marshal(records)
	}
	if err != nil {
		return ledger.NewExportError("json", len(records), err)
	}

	if _, err := w.Write(data); err != nil {
		return ledger.NewExportError("json", len(records), err)
	}
	return nil
}
