package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func sampleTable() *Table {
	tbl := &Table{Header: []string{"VENDOR", "TYPE", "STATE"}}
	tbl.AddRow("vendor-a", "chat", "closed")
	tbl.AddRow("vendor-b", "embedding", "open")
	return tbl
}

func TestTextFormatterTable(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := (&TextFormatter{}).FormatTo(buf, sampleTable()); err != nil {
		t.Fatalf("FormatTo: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "VENDOR") {
		t.Errorf("header line = %q", lines[0])
	}
	if !strings.Contains(lines[2], "vendor-b") || !strings.Contains(lines[2], "open") {
		t.Errorf("row = %q", lines[2])
	}
	// Tab writer aligns the columns.
	if strings.Index(lines[1], "chat") != strings.Index(lines[2], "embedding") {
		t.Errorf("columns misaligned:\n%s", buf.String())
	}
}

func TestTextFormatterScalar(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := (&TextFormatter{}).FormatTo(buf, "breaker reset"); err != nil {
		t.Fatalf("FormatTo: %v", err)
	}
	if buf.String() != "breaker reset\n" {
		t.Errorf("output = %q", buf.String())
	}
}

func TestJSONFormatterTable(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := (&JSONFormatter{}).FormatTo(buf, sampleTable()); err != nil {
		t.Fatalf("FormatTo: %v", err)
	}

	var rows []map[string]string
	if err := json.Unmarshal(buf.Bytes(), &rows); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[1]["STATE"] != "open" {
		t.Errorf("rows[1][STATE] = %q, want open", rows[1]["STATE"])
	}
}

func TestJSONFormatterIndent(t *testing.T) {
	buf := &bytes.Buffer{}
	data := map[string]int{"attempts": 3}
	if err := (&JSONFormatter{Indent: true}).FormatTo(buf, data); err != nil {
		t.Fatalf("FormatTo: %v", err)
	}
	if !strings.Contains(buf.String(), "\n  ") {
		t.Errorf("expected indented output, got %q", buf.String())
	}
}

func TestNewFormatter(t *testing.T) {
	if _, ok := NewFormatter(FormatJSON).(*JSONFormatter); !ok {
		t.Error("FormatJSON did not produce a JSONFormatter")
	}
	if _, ok := NewFormatter(FormatText).(*TextFormatter); !ok {
		t.Error("FormatText did not produce a TextFormatter")
	}
	if _, ok := NewFormatter("yaml").(*TextFormatter); !ok {
		t.Error("unknown format should fall back to text")
	}
}
