package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrConditionFailed is returned by a store when the guard of a
	// conditional write did not hold against the current record.
	ErrConditionFailed = errors.New("mutex: condition failed")
	// ErrMalformedRecord is returned when a stored record cannot be decoded,
	// e.g. an unknown status name or a non numeric timestamp.
	ErrMalformedRecord = errors.New("mutex: malformed record")
	// ErrStorage wraps any backing store failure other than a condition failure.
	ErrStorage = errors.New("mutex: storage failure")
	// ErrProvisioning wraps failures creating the backing table.
	ErrProvisioning = errors.New("mutex: table provisioning failed")
)
