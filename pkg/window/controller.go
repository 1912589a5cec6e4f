package window

import (
	"time"

	"github.com/fr3shw3b/seqstream/pkg/events"
)

const (
	DefaultInitialSize = 1
	DefaultCap         = 2048
)

// Controller owns the sender's window: additive increase on every
// positive acknowledgement, multiplicative decrease on every loss.
type Controller struct {
	size     int
	cap      int
	clientID string
	emitter  events.Emitter
}

func NewController(initial int, cap int, clientID string, emitter events.Emitter) *Controller {
	if cap < 1 {
		cap = 1
	}
	return &Controller{
		size:     clamp(initial, 1, cap),
		cap:      cap,
		clientID: clientID,
		emitter:  emitter,
	}
}

func (c *Controller) Size() int {
	return c.size
}

func (c *Controller) Cap() int {
	return c.cap
}

// OnLossSignal halves the window, never below 1. A sample is always emitted.
func (c *Controller) OnLossSignal() {
	c.size = clamp(c.size/2, 1, c.cap)
	c.emit()
}

// OnPositiveAck grows the window by one up to the cap. A sample is only
// emitted when the size changes.
func (c *Controller) OnPositiveAck() {
	if c.size >= c.cap {
		return
	}
	c.size += 1
	c.emit()
}

// Reset puts the window back to a given size, used when a session
// starts over.
func (c *Controller) Reset(size int) {
	c.size = clamp(size, 1, c.cap)
}

func (c *Controller) emit() {
	c.emitter.Emit(events.WindowSample{
		ClientID: c.clientID,
		Side:     events.SideSend,
		Size:     c.size,
		At:       time.Now(),
	})
}

func clamp(value int, min int, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
