package sessions

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const efficiencyScale = 1e6

type InMemoryStoreParams struct {
	ExpireAfterIdleTime time.Duration
}

func NewInMemoryStore(params *InMemoryStoreParams, logger *logrus.Logger) SessionStore {
	return &inMemoryStore{
		params:  params,
		entries: map[string]*entry{},
		logger:  logger,
	}
}

type inMemoryStore struct {
	mu      sync.Mutex
	params  *InMemoryStoreParams
	entries map[string]*entry
	logger  *logrus.Logger

	active    atomic.Int64
	parked    atomic.Int64
	accepted  atomic.Int64
	completed atomic.Int64

	// efficiency samples summed in millionths
	efficiencySum     atomic.Int64
	efficiencySamples atomic.Int64
}

type entry struct {
	// session is nil when nothing is tracked for the client id.
	session      *Session
	lastAccessed time.Time
	holder       *Lease
}

// Lease is exclusive ownership of a client's session. It ends with
// either Release or Complete.
type Lease struct {
	store    *inMemoryStore
	clientID string
	session  *Session
	ctx      context.Context
	cancel   context.CancelFunc
	released chan struct{}
	once     sync.Once
}

func (s *inMemoryStore) Acquire(ctx context.Context, clientID string) (*Lease, error) {
	for {
		s.mu.Lock()
		current := s.entries[clientID]
		if current == nil {
			current = &entry{}
			s.entries[clientID] = current
		}

		if holder := current.holder; holder != nil {
			s.mu.Unlock()
			s.logger.WithField("client_id", clientID).Debug("session held by another connection, taking over")
			holder.cancel()
			select {
			case <-holder.released:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if current.session != nil && s.expired(current) {
			s.logger.WithField("client_id", clientID).Debug("parked session expired")
			current.session = nil
			s.parked.Add(-1)
		}
		if current.session != nil {
			s.parked.Add(-1)
		}

		leaseCtx, cancel := context.WithCancel(ctx)
		lease := &Lease{
			store:    s,
			clientID: clientID,
			session:  current.session,
			ctx:      leaseCtx,
			cancel:   cancel,
			released: make(chan struct{}),
		}
		current.holder = lease
		current.lastAccessed = time.Now()
		s.active.Add(1)
		s.mu.Unlock()
		return lease, nil
	}
}

func (s *inMemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for clientID, current := range s.entries {
		if current.holder != nil {
			continue
		}
		if current.session == nil || s.expired(current) {
			if current.session != nil {
				s.parked.Add(-1)
				removed += 1
			}
			delete(s.entries, clientID)
		}
	}
	return removed
}

func (s *inMemoryStore) Stats() Stats {
	return Stats{
		Active:         s.active.Load(),
		Parked:         s.parked.Load(),
		Accepted:       s.accepted.Load(),
		Completed:      s.completed.Load(),
		MeanEfficiency: s.meanEfficiency(),
	}
}

func (s *inMemoryStore) meanEfficiency() float64 {
	samples := s.efficiencySamples.Load()
	if samples == 0 {
		return 0
	}
	return float64(s.efficiencySum.Load()) / efficiencyScale / float64(samples)
}

func (s *inMemoryStore) expired(current *entry) bool {
	if s.params.ExpireAfterIdleTime <= 0 {
		return false
	}
	return time.Since(current.lastAccessed) > s.params.ExpireAfterIdleTime
}

// release ends a lease, keeping the session parked for a later
// connection unless it is complete.
func (s *inMemoryStore) release(lease *Lease, complete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.entries[lease.clientID]
	if current == nil || current.holder != lease {
		return
	}
	current.holder = nil
	current.lastAccessed = time.Now()
	s.active.Add(-1)

	if complete {
		s.completed.Add(1)
		delete(s.entries, lease.clientID)
		return
	}

	current.session = lease.session
	if current.session != nil {
		s.parked.Add(1)
	}
}

// Session returns the leased session, nil when none is tracked.
func (l *Lease) Session() *Session {
	return l.session
}

// Replace swaps the leased session, used when a handshake starts over.
func (l *Lease) Replace(session *Session) {
	l.session = session
}

// Context is cancelled when another connection takes the session over.
func (l *Lease) Context() context.Context {
	return l.ctx
}

// Accepted adds to the store-wide accepted counter.
func (l *Lease) Accepted(n int64) {
	l.store.accepted.Add(n)
}

// Sampled adds an efficiency sample to the store-wide mean.
func (l *Lease) Sampled(efficiency float64) {
	l.store.efficiencySum.Add(int64(math.Round(efficiency * efficiencyScale)))
	l.store.efficiencySamples.Add(1)
}

// Release parks the session so the next connection for the client id
// can resume it.
func (l *Lease) Release() {
	l.end(false)
}

// Complete forgets the session, the transfer is finished.
func (l *Lease) Complete() {
	l.end(true)
}

func (l *Lease) end(complete bool) {
	l.once.Do(func() {
		l.store.release(l, complete)
		l.cancel()
		close(l.released)
	})
}
