package engine

import "errors"

// ErrConsistency signals that the engine could not reconcile its own view of
// orders and positions with the broker after a failed operation. The process
// must stop rather than keep trading on unknown exposure.
var ErrConsistency = errors.New("broker state could not be reconciled")

// ErrNotRunning is returned by operations that require an active session.
var ErrNotRunning = errors.New("trading system is not running")
