package mutex

import "time"

// Condition is a predicate over the current record of a key. Stores either
// evaluate it in process (Eval) or translate the tree into their own
// expression language; grouping must be preserved either way.
//
// The set of node types is closed: Absent, StatusIs, UpdatedAtMost, All, Any.
type Condition interface {
	Eval(r Record) bool
	condition()
}

// Absent holds when the record has no status.
type Absent struct{}

// StatusIs holds when the record has exactly the given status.
type StatusIs struct {
	Status Status
}

// UpdatedAtMost holds when the record exists and was updated at or before
// Millis.
type UpdatedAtMost struct {
	Millis int64
}

// All is the conjunction of its operands. An empty All holds.
type All []Condition

// Any is the disjunction of its operands. An empty Any does not hold.
type Any []Condition

func (Absent) Eval(r Record) bool { return !r.Exists() }

func (c StatusIs) Eval(r Record) bool { return r.Exists() && r.Status == c.Status }

func (c UpdatedAtMost) Eval(r Record) bool { return r.Exists() && r.UpdatedAt <= c.Millis }

func (c All) Eval(r Record) bool {
	for _, sub := range c {
		if !sub.Eval(r) {
			return false
		}
	}
	return true
}

func (c Any) Eval(r Record) bool {
	for _, sub := range c {
		if sub.Eval(r) {
			return true
		}
	}
	return false
}

func (Absent) condition()        {}
func (StatusIs) condition()      {}
func (UpdatedAtMost) condition() {}
func (All) condition()           {}
func (Any) condition()           {}

// acquireCondition is the guard of Acquire: the key was never locked, or its
// lease aged past the window of its own status.
func acquireCondition(nowMillis int64, w Windows) Condition {
	return Any{
		Absent{},
		All{StatusIs{StatusDone}, UpdatedAtMost{nowMillis - ceilMillis(w.DoneAfter)}},
		All{StatusIs{StatusFailed}, UpdatedAtMost{nowMillis - ceilMillis(w.FailedAfter)}},
		All{StatusIs{StatusRunning}, UpdatedAtMost{nowMillis - ceilMillis(w.RunningAfter)}},
	}
}

// ceilMillis rounds d up to whole milliseconds, the resolution of stored
// timestamps, so a lease never becomes stale before its window elapsed.
func ceilMillis(d time.Duration) int64 {
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

// releaseCondition is the guard of Release.
func releaseCondition() Condition {
	return StatusIs{StatusRunning}
}
