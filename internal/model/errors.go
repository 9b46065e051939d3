package model

import (
	"errors"
	"fmt"
)

// ErrConfig matches every *ConfigError through errors.Is.
var ErrConfig = errors.New("invalid configuration")

// ConfigError rejects input before any stage runs.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}
