package transfer

import "errors"

var (
	// ErrInvalidSource rejects a malformed source URI; never retried.
	ErrInvalidSource = errors.New("invalid source URI")
	// ErrNotFound marks operations on an unknown source id.
	ErrNotFound = errors.New("transfer not found")
	// ErrExists marks adding a source the engine already manages.
	ErrExists = errors.New("transfer already exists")
	// ErrInvalidTransition marks an operation not valid in the current
	// state; the state is left unchanged.
	ErrInvalidTransition = errors.New("invalid transfer state transition")
	// ErrFatalStorage tags disk failures, which are always terminal for
	// the affected transfer and never retried.
	ErrFatalStorage = errors.New("fatal storage error")
	// ErrEngineClosed marks operations after Shutdown.
	ErrEngineClosed = errors.New("transfer engine is closed")
)
