package core

import (
	"fmt"
	"regexp"
)

const maxKeyLength = 250

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidateKey checks DAG and task identifiers.
func ValidateKey(key string) error {
	if len(key) == 0 || len(key) > maxKeyLength || !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
