package config

import "fmt"

// ConfigError reports a broken tool setup: a missing data source, an
// ambiguous table, or an auto-query that does not run. It is fatal at
// startup and never retried.
type ConfigError struct {
	Tool string
	What string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("config: %s: %v", e.What, e.Err)
	}
	return fmt.Sprintf("config: tool %s: %s: %v", e.Tool, e.What, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
