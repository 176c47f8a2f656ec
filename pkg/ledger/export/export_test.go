package export

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"stratus-hq/saturn/pkg/ledger"
	"stratus-hq/saturn/pkg/money"
)

func sampleRecords() []*ledger.CallRecord {
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return []*ledger.CallRecord{
		{
			ID: "r1", Time: at, KeyID: "key-1", UserID: "user-1",
			VendorID: "vendor-1", EndpointID: "ep-1", ProviderType: "chat",
			OK: true, StatusCode: 200, LatencyMS: 150,
			Source: ledger.SourceAuto, Cost: money.MustParse("0.05"),
		},
		{
			ID: "r2", Time: at.Add(time.Minute), KeyID: "key-1", UserID: "user-1",
			VendorID: "vendor-1", EndpointID: "ep-2", ProviderType: "chat",
			OK: false, StatusCode: 503, LatencyMS: 900, ErrorType: "server_error",
			Source: ledger.SourceAuto, Cost: money.Zero,
		},
	}
}

func TestJSONExporter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	exporter := NewJSONExporter(false)

	if err := exporter.Export(context.Background(), sampleRecords(), &buf); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	var decoded []*ledger.CallRecord
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("exported JSON does not parse: %v", err)
	}
	if len(decoded) != 2 || decoded[0].ID != "r1" || decoded[1].ErrorType != "server_error" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestJSONExporter_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := NewJSONExporter(true).Export(context.Background(), nil, &buf); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if buf.String() != "[]" {
		t.Errorf("empty export = %q, want []", buf.String())
	}
}

func TestCSVExporter_HeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	exporter := NewCSVExporter(true)

	if err := exporter.Export(context.Background(), sampleRecords(), &buf); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2 rows", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,time,key_id") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "0.05") {
		t.Errorf("row 1 missing decimal cost: %q", lines[1])
	}
	if !strings.Contains(lines[2], "server_error") {
		t.Errorf("row 2 missing error type: %q", lines[2])
	}
}
