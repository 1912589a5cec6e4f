package window

import (
	"time"

	"github.com/fr3shw3b/seqstream/pkg/events"
)

const (
	DefaultReceiveWidth = 8192
	DefaultMinWidth     = 1024
	DefaultMaxWidth     = 32768
)

// ReceiveWidth is the receiver's read buffer width. It doubles when
// arrivals are out of order and halves when they are in order, at most
// once per receive iteration.
type ReceiveWidth struct {
	width    int
	min      int
	max      int
	adjusted bool
	clientID string
	emitter  events.Emitter
}

func NewReceiveWidth(initial int, min int, max int, clientID string, emitter events.Emitter) *ReceiveWidth {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	return &ReceiveWidth{
		width:    clamp(initial, min, max),
		min:      min,
		max:      max,
		clientID: clientID,
		emitter:  emitter,
	}
}

func (w *ReceiveWidth) Width() int {
	return w.width
}

// BeginIteration re-arms the single adjustment allowed per iteration.
func (w *ReceiveWidth) BeginIteration() {
	w.adjusted = false
}

// Grow doubles the width if it has not been adjusted this iteration and
// the result stays within the maximum.
func (w *ReceiveWidth) Grow() bool {
	if w.adjusted || w.width*2 > w.max {
		return false
	}
	w.adjusted = true
	w.width *= 2
	w.emit()
	return true
}

// Shrink halves the width under the same rules as Grow.
func (w *ReceiveWidth) Shrink() bool {
	if w.adjusted || w.width/2 < w.min {
		return false
	}
	w.adjusted = true
	w.width /= 2
	w.emit()
	return true
}

func (w *ReceiveWidth) emit() {
	w.emitter.Emit(events.WindowSample{
		ClientID: w.clientID,
		Side:     events.SideReceive,
		Size:     w.width,
		At:       time.Now(),
	})
}
