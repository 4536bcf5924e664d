package dagbag

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDAGNotFound   = errors.New("dag not found in the bag")
	ErrImportTimeout = errors.New("dag import timed out")
	ErrNoStore       = errors.New("dag bag has no store")
)

// ImportError records why a source file failed to load. It is kept per
// path until the file loads cleanly.
type ImportError struct {
	Path      string
	Message   string
	Timestamp time.Time

	err error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func (e *ImportError) Unwrap() error { return e.err }
