package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks settings that have no usable interpretation. An empty worker command is allowed here,
// since the CLI may supply it.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.Supervisor.MaxFails < 0 {
		errs = append(errs, ValidationError{Field: "supervisor.max_fails", Value: c.Supervisor.MaxFails, Message: "must not be negative"})
	}
	if c.Supervisor.RestartDelay < 0 {
		errs = append(errs, ValidationError{Field: "supervisor.restart_delay", Value: c.Supervisor.RestartDelay, Message: "must not be negative"})
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, ValidationError{Field: "server.listen_addr", Value: c.Server.ListenAddr, Message: "must not be empty"})
	}
	if c.Server.InvokeTimeout < 0 {
		errs = append(errs, ValidationError{Field: "server.invoke_timeout", Value: c.Server.InvokeTimeout, Message: "must not be negative"})
	}
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{Field: "logging.level", Value: c.Logging.Level, Message: "must be one of " + strings.Join(ValidLogLevels(), ", ")})
	}
	for _, kv := range c.Worker.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, ValidationError{Field: "worker.env", Value: kv, Message: "must be KEY=VALUE"})
		}
	}
	return errs
}
