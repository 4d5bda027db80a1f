// Package mutex implements a distributed mutual exclusion lock on top of a
// single table offering atomic conditional writes (DynamoDB, Redis, SQL, or
// memory; see the store packages).
//
// Every key carries a lease with a status (RUNNING, DONE or FAILED) and the
// time of its last transition. Acquire moves a key to RUNNING when it was
// never locked or when its lease is older than the staleness window of its
// status; Release moves a RUNNING lease to DONE or FAILED. A holder that
// crashes leaves its lease RUNNING, and the lock is recovered once the
// running window elapses.
//
// The package performs no retries and keeps no timers: a lease is a timestamp
// compared afresh on every Acquire. Callers decide whether and when to retry
// a contended acquisition.
package mutex
