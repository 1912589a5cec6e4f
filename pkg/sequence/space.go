package sequence

import "fmt"

const (
	DefaultChunk uint32 = 4
	DefaultLimit uint32 = 65536
	// Base is the value the space resets to after a wrap.
	Base uint32 = 0
)

// Space is a bounded ring of sequence identifiers stepping by Chunk.
// Identifiers recur after every wrap, the cycle count tells them apart.
type Space struct {
	Chunk uint32
	Limit uint32
}

func NewSpace(chunk uint32, limit uint32) (Space, error) {
	if chunk == 0 {
		return Space{}, fmt.Errorf("sequence chunk must be positive")
	}
	if limit <= chunk {
		return Space{}, fmt.Errorf("sequence limit (%d) must be greater than chunk (%d)", limit, chunk)
	}
	return Space{Chunk: chunk, Limit: limit}, nil
}

func DefaultSpace() Space {
	return Space{Chunk: DefaultChunk, Limit: DefaultLimit}
}

// Next advances current by one chunk. When the result would reach the
// limit it wraps to Base and the cycle is incremented.
func (s Space) Next(current uint32, cycle uint64) (uint32, uint64) {
	// Compare in 64 bits so a limit close to MaxUint32 cannot overflow.
	if uint64(current)+uint64(s.Chunk) >= uint64(s.Limit) {
		return Base, cycle + 1
	}
	return current + s.Chunk, cycle
}

// Valid reports whether id belongs to the space.
func (s Space) Valid(id uint32) bool {
	return id < s.Limit && (id-Base)%s.Chunk == 0
}

// Size is the number of distinct identifiers in the ring.
func (s Space) Size() uint32 {
	return (s.Limit - Base + s.Chunk - 1) / s.Chunk
}

// Steps is the forward distance from one identifier to another,
// counted in chunks around the ring. Both must be valid.
func (s Space) Steps(from uint32, to uint32) uint32 {
	n := s.Size()
	f := (from - Base) / s.Chunk
	t := (to - Base) / s.Chunk
	return (t + n - f) % n
}
