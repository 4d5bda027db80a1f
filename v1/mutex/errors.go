package mutex

import (
	"errors"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
)

var (
	ErrConditionFailed = mutexerrors.ErrConditionFailed
	ErrMalformedRecord = mutexerrors.ErrMalformedRecord
	ErrStorage         = mutexerrors.ErrStorage
	ErrProvisioning    = mutexerrors.ErrProvisioning

	// ErrContended is returned by WithLock when the lock is held elsewhere.
	ErrContended = errors.New("mutex: lock is held")
	// ErrEmptyKey is returned for an empty lock key.
	ErrEmptyKey = errors.New("mutex: key must not be empty")
	// ErrInvalidStatus is returned when Release is given a non terminal status.
	ErrInvalidStatus = errors.New("mutex: release status must be DONE or FAILED")
	// ErrInvalidWindow is returned when a staleness window is negative.
	ErrInvalidWindow = errors.New("mutex: staleness window must not be negative")
)
