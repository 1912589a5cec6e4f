package retry

// TierCount is the number of retry tiers reported, the last one
// collects every identifier dropped four or more times.
const TierCount = 4

// Entry is an identifier together with the cycle it was minted in.
type Entry struct {
	Seq   uint32
	Cycle uint64
}

// Queue holds identifiers suspected lost, in the order they were lost,
// and counts how often each one has been dropped.
type Queue struct {
	pending  []Entry
	queued   map[Entry]struct{}
	attempts map[Entry]int
}

func NewQueue() *Queue {
	return &Queue{
		queued:   map[Entry]struct{}{},
		attempts: map[Entry]int{},
	}
}

// Push records a loss for entry and queues it for retransmission.
// An entry already waiting is not queued twice.
func (q *Queue) Push(entry Entry) int {
	q.attempts[entry] += 1
	if _, exists := q.queued[entry]; !exists {
		q.queued[entry] = struct{}{}
		q.pending = append(q.pending, entry)
	}
	return q.attempts[entry]
}

// Pop removes the oldest entry.
func (q *Queue) Pop() (Entry, bool) {
	if len(q.pending) == 0 {
		return Entry{}, false
	}
	entry := q.pending[0]
	q.pending[0] = Entry{}
	q.pending = q.pending[1:]
	delete(q.queued, entry)
	return entry, true
}

func (q *Queue) Len() int {
	return len(q.pending)
}

func (q *Queue) Contains(entry Entry) bool {
	_, exists := q.queued[entry]
	return exists
}

// Attempts is how many times entry has been dropped.
func (q *Queue) Attempts(entry Entry) int {
	return q.attempts[entry]
}

// Pending returns a copy of the queued entries, oldest first.
func (q *Queue) Pending() []Entry {
	return append([]Entry(nil), q.pending...)
}

// Tiers counts identifiers per retry tier: index i holds the number of
// identifiers dropped at least i+1 times.
func (q *Queue) Tiers() [TierCount]int {
	tiers := [TierCount]int{}
	for _, count := range q.attempts {
		for i := 0; i < TierCount && i < count; i += 1 {
			tiers[i] += 1
		}
	}
	return tiers
}

// Reset forgets everything, queued entries and attempt history alike.
func (q *Queue) Reset() {
	q.pending = nil
	q.queued = map[Entry]struct{}{}
	q.attempts = map[Entry]int{}
}

// Retain keeps the queued entries keep reports true for, in their
// order. Attempt history is left as it is.
func (q *Queue) Retain(keep func(Entry) bool) {
	pending := q.pending[:0]
	for _, entry := range q.pending {
		if keep(entry) {
			pending = append(pending, entry)
			continue
		}
		delete(q.queued, entry)
	}
	for i := len(pending); i < len(q.pending); i++ {
		q.pending[i] = Entry{}
	}
	q.pending = pending
}

// Requeue queues entry again without counting a drop, for identifiers
// that never left because their frame could not be written.
func (q *Queue) Requeue(entry Entry) {
	if _, exists := q.queued[entry]; exists {
		return
	}
	q.queued[entry] = struct{}{}
	q.pending = append(q.pending, entry)
}
