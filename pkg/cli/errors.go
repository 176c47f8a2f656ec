package cli

import "fmt"

// CommandError wraps a failure from one saturn subcommand so the root
// command can report which operation failed.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewCommandError creates a new CommandError.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{
		Command: command,
		Err:     err,
	}
}

// APIError is a non-2xx response from the saturn admin API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("admin api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("admin api returned status %d: %s", e.StatusCode, e.Message)
}

// NewAPIError creates a new APIError.
func NewAPIError(status int, message string) *APIError {
	return &APIError{
		StatusCode: status,
		Message:    message,
	}
}
