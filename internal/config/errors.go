package config

import "fmt"

// ConfigurationError reports a missing or malformed setting. Reason is
// meant for the operator and is printed as is.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return e.Reason
}

func (e *ConfigurationError) Detail() string {
	return fmt.Sprintf("config validation error: %s = %v - %s", e.Field, e.Value, e.Reason)
}
