package engine

import "errors"

// Semantic error kinds surfaced by the engine's public API. Callers test
// with errors.Is; the engine never mutates state before returning one of
// the first four.
var (
	ErrUnknownMachine       = errors.New("engine: unknown machine")
	ErrUnknownInstance      = errors.New("engine: unknown instance")
	ErrInstanceInactive     = errors.New("engine: instance is not active")
	ErrNoMatchingTransition = errors.New("engine: no transition with matching rules")
	ErrTriggeredMethod      = errors.New("engine: triggered method failed")
	ErrPersistence          = errors.New("engine: persistence failure")
	ErrNotStarted           = errors.New("engine: not started")
)
