package cli

import (
	"errors"
	"testing"
)

func TestCommandError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewCommandError("breakers", cause)

	want := "command breakers failed: connection refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Error("CommandError does not unwrap to its cause")
	}
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
		want    string
	}{
		{"with message", 429, "quota exceeded", "admin api returned status 429: quota exceeded"},
		{"bare status", 500, "", "admin api returned status 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAPIError(tt.status, tt.message)
			if err.Error() != tt.want {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.want)
			}
		})
	}
}
