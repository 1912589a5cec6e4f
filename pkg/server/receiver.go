package server

import (
	"github.com/fr3shw3b/seqstream/pkg/sequence"
	"github.com/fr3shw3b/seqstream/pkg/sessions"
)

// MaxCatchUp bounds how many identifiers a single ahead arrival may skip
// over on its way to being accepted.
const MaxCatchUp = 5

// Resolution is what happened to one received identifier.
type Resolution int

const (
	// ResolvedInOrder means the identifier was the one expected.
	ResolvedInOrder Resolution = iota
	// ResolvedLagged means a skipped identifier arrived late.
	ResolvedLagged
	// ResolvedCaughtUp means an ahead identifier was reached by skipping
	// over the ones before it.
	ResolvedCaughtUp
	// ResolvedEarly means an ahead identifier was too far away to catch
	// up to and is held until ExpectedSeq reaches it.
	ResolvedEarly
	// ResolvedDuplicate means the identifier was already accepted.
	ResolvedDuplicate
)

func (r Resolution) String() string {
	switch r {
	case ResolvedInOrder:
		return "in-order"
	case ResolvedLagged:
		return "lagged"
	case ResolvedCaughtUp:
		return "caught-up"
	case ResolvedEarly:
		return "early"
	case ResolvedDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// resolve applies one received identifier to the session and returns how
// it was resolved along with the number of identifiers accepted, which
// may include held early arrivals that became expected.
func resolve(space sequence.Space, session *sessions.Session, seq uint32) (Resolution, int) {
	if seq == session.ExpectedSeq {
		session.Width.Shrink()
		return ResolvedInOrder, accept(space, session)
	}

	if _, lagging := session.Lag.Delete(seq); lagging {
		session.Acked += 1
		return ResolvedLagged, 1
	}

	if session.Early.Has(seq) || space.Steps(session.ExpectedSeq, seq) >= space.Size()/2 {
		session.Duplicates += 1
		return ResolvedDuplicate, 0
	}

	session.Width.Grow()
	accepted := 0
	for steps := 0; steps < MaxCatchUp && session.ExpectedSeq != seq; steps++ {
		skipped := session.ExpectedSeq
		if _, held := session.Early.Delete(skipped); held {
			session.Acked += 1
			accepted += 1
		} else {
			session.Lag.ReplaceOrInsert(skipped)
		}
		session.Advance(space)
	}

	if session.ExpectedSeq == seq {
		return ResolvedCaughtUp, accepted + accept(space, session)
	}
	session.Early.ReplaceOrInsert(seq)
	return ResolvedEarly, accepted
}

// accept takes ExpectedSeq and any held early arrivals that follow it.
func accept(space sequence.Space, session *sessions.Session) int {
	accepted := 0
	for {
		session.Acked += 1
		accepted += 1
		session.Advance(space)
		if _, held := session.Early.Delete(session.ExpectedSeq); !held {
			return accepted
		}
	}
}
