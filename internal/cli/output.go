package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"schedula/replica/internal/store"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
	ExitAuthError    = 3
	ExitUnreachable  = 4
)

type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// storeExit picks the exit code for a failed store operation.
func storeExit(message string, err error) *ExitError {
	switch {
	case store.IsSecurity(err):
		return WrapExitError(ExitAuthError, message, err)
	case store.IsConnectivity(err):
		return WrapExitError(ExitUnreachable, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}

// GetExitCode returns ExitFailure for errors that carry no exit code.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

type OutputFormatter struct {
	Format string
	Writer io.Writer
}

type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success writes data as a JSON envelope, or calls text for the text format.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

func (f *OutputFormatter) Error(err error) error {
	code := "E000"
	if c, ok := store.CodeOf(err); ok {
		code = string(c)
	}
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: err.Error()},
		})
	}
	_, werr := fmt.Fprintf(f.Writer, "Error [%s]: %v\n", code, err)
	return werr
}
