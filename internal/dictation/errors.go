package dictation

import "fmt"

// ConfigurationError reports a setting or credential that must be fixed
// before a run can start.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration %s: %v", e.Field, e.Err)
	}
	return "configuration " + e.Field + " is missing"
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
