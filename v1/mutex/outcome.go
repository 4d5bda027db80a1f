package mutex

import "fmt"

// Outcome is the result of Acquire. It is either acquired, carrying the
// record that was replaced, or contended.
type Outcome struct {
	acquired bool
	previous Record
}

func acquired(prior Record) Outcome {
	return Outcome{acquired: true, previous: prior}
}

// Acquired reports whether the lock was taken.
func (o Outcome) Acquired() bool { return o.acquired }

// Contended reports whether another holder owns a non stale lease.
func (o Outcome) Contended() bool { return !o.acquired }

// Previous is the status of the replaced lease, StatusNone when the key had
// never been locked or when the lock was contended.
func (o Outcome) Previous() Status { return o.previous.Status }

// PreviousUpdatedAt is the timestamp in milliseconds of the replaced lease,
// zero when there was none.
func (o Outcome) PreviousUpdatedAt() int64 { return o.previous.UpdatedAt }

func (o Outcome) String() string {
	if !o.acquired {
		return "contended"
	}
	if !o.previous.Exists() {
		return "acquired(previous=NONE)"
	}
	return fmt.Sprintf("acquired(previous=%s, updatedAt=%d)", o.previous.Status, o.previous.UpdatedAt)
}
