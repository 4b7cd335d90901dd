package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidYAML indicates YAML parsing failed
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates configuration validation failed
	ErrValidationFailed = errors.New("configuration validation failed")

	// ErrInvalidValue indicates a field has an invalid value
	ErrInvalidValue = errors.New("invalid field value")
)

// Error wraps a configuration problem with the field it concerns.
// Configuration errors are the only error class that aborts startup
// (process exit code 2).
type Error struct {
	Field string
	Err   error
}

// Error returns the formatted message.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config field %q: %v", e.Field, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err originated in configuration loading
// or validation.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
