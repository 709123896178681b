package cli

import (
	"errors"
	"fmt"

	"mercator-hq/h2edge/pkg/config"
)

// ConfigError reports a configuration file that could not be loaded or
// validated.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Fields returns the per-field validation failures, if any.
func (e *ConfigError) Fields() []config.FieldError {
	var ve config.ValidationError
	if errors.As(e.Err, &ve) {
		return ve.Errors
	}
	return nil
}

// CommandError represents an error from a command execution.
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

// NewConfigError creates a new ConfigError.
func NewConfigError(source string, err error) *ConfigError {
	return &ConfigError{
		Source: source,
		Err:    err,
	}
}

// NewCommandError creates a new CommandError.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{
		Command: command,
		Err:     err,
	}
}
