package sessions

import (
	"time"

	"github.com/fr3shw3b/seqstream/pkg/handshake"
	"github.com/fr3shw3b/seqstream/pkg/sequence"
	"github.com/fr3shw3b/seqstream/pkg/window"
	"github.com/google/btree"
)

const lagDegree = 16

// Session is the server's receive state for one client. Only the holder
// of the session's lease may read or change it.
type Session struct {
	ClientID string
	// Acked is the number of identifiers accepted so far.
	Acked int64
	// CurrentSeq is the last identifier resolved in order, the one just
	// before ExpectedSeq.
	CurrentSeq  uint32
	ExpectedSeq uint32
	Cycle       uint64
	// Lag holds identifiers skipped while catching up to an arrival
	// that was ahead of expectation.
	Lag *btree.BTreeG[uint32]
	// Early holds arrivals too far ahead to reach by catching up. They
	// are accepted once ExpectedSeq gets to them.
	Early      *btree.BTreeG[uint32]
	Width      *window.ReceiveWidth
	Observed   int64
	Duplicates int64
	Malformed  int64
	// Efficiency samples, kept as a running sum for the final mean.
	EfficiencySum     float64
	EfficiencySamples int
	StartedAt         time.Time
}

// NewSession creates a session in its zero state: nothing accepted and
// the first identifier after the space's base expected.
func NewSession(clientID string, space sequence.Space, width *window.ReceiveWidth) *Session {
	expected, cycle := space.Next(sequence.Base, 0)
	return &Session{
		ClientID:    clientID,
		CurrentSeq:  sequence.Base,
		ExpectedSeq: expected,
		Cycle:       cycle,
		Lag:         btree.NewOrderedG[uint32](lagDegree),
		Early:       btree.NewOrderedG[uint32](lagDegree),
		Width:       width,
		StartedAt:   time.Now(),
	}
}

// Snapshot is the state sent to a client resuming from the server.
func (s *Session) Snapshot() handshake.ResumeState {
	return handshake.ResumeState{
		AckedCount: s.Acked,
		CurrentSeq: s.CurrentSeq,
	}
}

// Adopt positions a session created for this connection at a snapshot
// pushed by the client. Nothing is known about the identifiers before
// it. Cycle keeps counting the wraps this server has seen.
func (s *Session) Adopt(state handshake.ResumeState, space sequence.Space) {
	s.Acked = state.AckedCount
	s.CurrentSeq = state.CurrentSeq
	s.ExpectedSeq, s.Cycle = space.Next(state.CurrentSeq, s.Cycle)
}

// Resume continues a tracked session from a snapshot. Identifiers
// between ExpectedSeq and the snapshot's position that were never
// received join Lag, so they are still accepted when they arrive late,
// and held early arrivals in that range are released, counting as
// accepted. A snapshot behind the session only takes its counters.
func (s *Session) Resume(state handshake.ResumeState, space sequence.Space) (skipped int, released int) {
	s.Acked = state.AckedCount
	target, _ := space.Next(state.CurrentSeq, 0)
	if space.Steps(s.ExpectedSeq, target) >= space.Size()/2 {
		return 0, 0
	}

	for s.ExpectedSeq != target {
		if _, held := s.Early.Delete(s.ExpectedSeq); held {
			released += 1
		} else {
			s.Lag.ReplaceOrInsert(s.ExpectedSeq)
			skipped += 1
		}
		s.Advance(space)
	}
	return skipped, released
}

// Advance moves past ExpectedSeq without accepting it.
func (s *Session) Advance(space sequence.Space) {
	s.CurrentSeq = s.ExpectedSeq
	s.ExpectedSeq, s.Cycle = space.Next(s.ExpectedSeq, s.Cycle)
}

// Lagged returns the lagging identifiers in ascending order.
func (s *Session) Lagged() []uint32 {
	lagged := make([]uint32, 0, s.Lag.Len())
	s.Lag.Ascend(func(seq uint32) bool {
		lagged = append(lagged, seq)
		return true
	})
	return lagged
}

// MeanEfficiency is the average of the efficiency samples taken so far.
func (s *Session) MeanEfficiency() float64 {
	if s.EfficiencySamples == 0 {
		return 0
	}
	return s.EfficiencySum / float64(s.EfficiencySamples)
}
