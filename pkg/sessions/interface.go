package sessions

import "context"

type SessionStore interface {
	// Acquires exclusive ownership of the session tracked for a client id.
	// A connection still holding it is asked to stop and Acquire waits
	// for it to let go.
	Acquire(ctx context.Context, clientID string) (*Lease, error)
	// Removes parked sessions that have been idle for longer than the
	// expiry and returns how many were removed.
	Sweep() int
	// Read-only aggregate counters across all sessions.
	Stats() Stats
}

type Stats struct {
	Active    int64 `json:"active"`
	Parked    int64 `json:"parked"`
	Accepted  int64 `json:"accepted"`
	Completed int64 `json:"completed"`

	// Mean of every efficiency sample taken so far, zero before the
	// first one.
	MeanEfficiency float64 `json:"mean_efficiency"`
}
