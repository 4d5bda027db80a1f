package mutex

import (
	"fmt"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
)

// Status is the state of a lease as persisted in the backing table.
type Status string

const (
	// StatusNone marks a record that has never been locked.
	StatusNone    Status = ""
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// ParseStatus decodes a stored status name. Anything outside the closed set
// is reported as ErrMalformedRecord.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusRunning, StatusDone, StatusFailed:
		return Status(s), nil
	}
	return StatusNone, fmt.Errorf("%w: unknown status %q", mutexerrors.ErrMalformedRecord, s)
}

// Terminal reports whether s can be recorded by Release.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

func (s Status) String() string {
	if s == StatusNone {
		return "NONE"
	}
	return string(s)
}

// Record is the persisted state of a single key. A zero Record means the
// key has no status, which is also how stores report "no prior attributes".
type Record struct {
	Status    Status
	UpdatedAt int64 // milliseconds since epoch
}

// Exists reports whether the record carries a status.
func (r Record) Exists() bool {
	return r.Status != StatusNone
}
