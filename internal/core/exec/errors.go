package exec

import "errors"

// Errors returned by store implementations.
var (
	ErrNotFound          = errors.New("record not found")
	ErrDagRunExists      = errors.New("dag run already exists for this execution date")
	ErrTransient         = errors.New("transient store error")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrPoolNotFound      = errors.New("pool not found")
	ErrExecutorClosed    = errors.New("executor is closed")
)
