package client

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fr3shw3b/seqstream/pkg/events"
	"github.com/fr3shw3b/seqstream/pkg/handshake"
	"github.com/fr3shw3b/seqstream/pkg/retry"
	"github.com/fr3shw3b/seqstream/pkg/sequence"
	"github.com/fr3shw3b/seqstream/pkg/transfererr"
	"github.com/fr3shw3b/seqstream/pkg/window"
	"github.com/fr3shw3b/seqstream/pkg/wire"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// ackReadSize is the most bytes read per acknowledgement poll.
	ackReadSize = 64 * 1024
	// progressInterval is the number of transmission attempts between
	// progress log lines.
	progressInterval = 1000
)

type Result struct {
	ClientID string
	Sent     int64
	Created  int64
	// Attempts counts every transmission attempt, dropped ones included.
	Attempts     int64
	Drops        int64
	Acks         int64
	LastAck      uint32
	Frames       int64
	RetryTiers   [retry.TierCount]int
	RetryPending int
	Window       int
	Reconnects   int
	Elapsed      time.Duration
	// Completed is set once every identifier was sent or the server
	// ended the transfer.
	Completed   bool
	Interrupted bool
	Error       error
}

type ClientParams struct {
	ServerHost           string
	ServerPort           int
	Transport            string
	ClientID             string
	Space                sequence.Space
	Total                int64
	InitialWindow        int
	WindowCap            int
	LossProbability      float64
	AckTimeout           time.Duration
	HandshakeTimeout     time.Duration
	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	// Loss overrides the probabilistic loss model, primarily for tests
	// that need to drop specific identifiers.
	Loss LossModel
	// Dial overrides how connections are made, for tests that need to
	// break them.
	Dial func(ctx context.Context) (wire.Stream, error)
}

type clientImpl struct {
	params  *ClientParams
	state   *engineState
	loss    LossModel
	emitter events.Emitter
	logger  *logrus.Entry
	result  Result
}

// engineState is owned by the goroutine running Connect.
type engineState struct {
	clientID string
	sent     int64
	created  int64
	attempts int64
	drops    int64
	acks     int64
	lastAck  uint32
	frames   int64
	// currentSeq is the last identifier minted.
	currentSeq  uint32
	cycle       uint64
	outstanding int
	// frame holds the identifiers of the frame being written.
	frame       []retry.Entry
	window      *window.Controller
	retries     *retry.Queue
	reconnects  int
	completed   bool
	interrupted bool
}

func NewDefaultClient(params *ClientParams, emitter events.Emitter, logger *logrus.Logger) Client {
	clientID := params.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	loss := params.Loss
	if loss == nil {
		loss = NewProbabilisticLoss(params.LossProbability, time.Now().UnixNano())
	}

	return &clientImpl{
		params: params,
		state: &engineState{
			clientID:   clientID,
			currentSeq: sequence.Base,
			window:     window.NewController(params.InitialWindow, params.WindowCap, clientID, emitter),
			retries:    retry.NewQueue(),
		},
		loss:    loss,
		emitter: emitter,
		logger:  logger.WithField("client_id", clientID),
	}
}

func (c *clientImpl) Connect(ctx context.Context) error {
	start := time.Now()

	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = c.params.InitialBackoff
	expBackOff.Multiplier = 2
	expBackOff.RandomizationFactor = 0
	expBackOff.MaxInterval = c.params.MaxBackoff
	expBackOff.MaxElapsedTime = 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(expBackOff, uint64(c.params.MaxReconnectAttempts)),
		ctx,
	)

	err := backoff.RetryNotify(
		func() error {
			err := c.session(ctx, policy)
			if err != nil && errors.Is(err, transfererr.ErrProtocol) {
				return backoff.Permanent(err)
			}
			return err
		},
		policy,
		func(err error, wait time.Duration) {
			c.state.reconnects += 1
			c.logger.WithError(err).WithField("retry_in", wait).Warn("connection lost, reconnecting")
		},
	)
	if err != nil && ctx.Err() != nil {
		c.state.interrupted = true
		err = nil
	}

	c.result = c.summarise(time.Since(start), err)
	c.logger.WithFields(logrus.Fields{
		"sent":      c.result.Sent,
		"attempts":  c.result.Attempts,
		"retries":   c.result.RetryTiers,
		"completed": c.result.Completed,
		"elapsed":   c.result.Elapsed.Round(time.Millisecond),
	}).Info("transfer finished")
	return err
}

func (c *clientImpl) Result() Result {
	return c.result
}

// session runs one connection: dial, handshake and the send loop.
func (c *clientImpl) session(ctx context.Context, policy backoff.BackOff) error {
	stream, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	framer := wire.NewFramer(stream)

	negotiator := handshake.NewNegotiator(
		&handshake.NegotiatorParams{Space: c.params.Space, Timeout: c.params.HandshakeTimeout},
		c.logger,
	)
	local := handshake.ResumeState{AckedCount: c.state.sent, CurrentSeq: c.state.currentSeq}
	outcome, err := negotiator.Client(framer, c.state.clientID, local, c.params.Total)
	if err != nil {
		return err
	}
	c.adopt(outcome)
	// A working connection earns a fresh set of reconnect attempts.
	policy.Reset()

	c.logger.WithFields(logrus.Fields{
		"mode":        outcome.Mode,
		"sent":        c.state.sent,
		"current_seq": c.state.currentSeq,
	}).Info("session established")

	return c.run(ctx, framer)
}

func (c *clientImpl) dial(ctx context.Context) (wire.Stream, error) {
	if c.params.Dial != nil {
		return c.params.Dial(ctx)
	}
	return wire.Dial(ctx, c.params.Transport, c.params.ServerHost, c.params.ServerPort, c.params.HandshakeTimeout)
}

// adopt applies the outcome of a handshake to the engine state.
func (c *clientImpl) adopt(outcome handshake.Outcome) {
	state := c.state
	state.outstanding = 0

	switch outcome.Mode {
	case handshake.ModeFresh:
		state.sent = 0
		state.created = 0
		state.currentSeq = sequence.Base
		state.cycle = 0
		state.retries.Reset()
		state.window.Reset(c.params.InitialWindow)
	case handshake.ModeResumed:
		// Identifiers past the server's position are minted again, the
		// ones before it are still in the server's lag list.
		space := c.params.Space
		state.sent = outcome.State.AckedCount
		state.currentSeq = outcome.State.CurrentSeq
		state.retries.Retain(func(entry retry.Entry) bool {
			return space.Steps(entry.Seq, state.currentSeq) < space.Size()/2
		})
		state.created = state.sent + int64(state.retries.Len())
	case handshake.ModePushed:
		// The server took over our counters, pending retries stay due.
	}
}

// run is the send loop of one connection.
func (c *clientImpl) run(ctx context.Context, framer *wire.Framer) error {
	for {
		if ctx.Err() != nil {
			c.terminate(framer)
			c.state.interrupted = true
			return nil
		}
		if c.state.sent >= c.params.Total {
			return c.finish(framer)
		}

		tokens := c.nextFrame()
		if len(tokens) > 0 {
			if err := framer.WriteFrame(tokens); err != nil {
				c.unsend()
				return err
			}
			c.state.frames += 1
		}

		if c.state.outstanding > 0 {
			finished, err := c.readAcks(framer, c.params.AckTimeout)
			if err != nil {
				return err
			}
			if finished {
				c.state.completed = true
				return nil
			}
		}
	}
}

// nextFrame fills a batch, retries first, and returns the identifiers
// that survive the loss model.
func (c *clientImpl) nextFrame() []string {
	state := c.state
	batch := c.fillBatch(state.window.Size())
	tokens := make([]string, 0, len(batch))
	state.frame = state.frame[:0]

	for _, entry := range batch {
		state.attempts += 1
		if state.attempts%progressInterval == 0 {
			c.logger.WithFields(logrus.Fields{
				"attempts": state.attempts,
				"sent":     state.sent,
				"window":   state.window.Size(),
				"retrying": state.retries.Len(),
			}).Info("progress")
		}

		if c.loss.Lost(entry) {
			attempt := state.retries.Push(entry)
			state.drops += 1
			c.emitter.Emit(events.DropEvent{
				ClientID: state.clientID,
				Seq:      entry.Seq,
				Cycle:    entry.Cycle,
				At:       time.Now(),
			})
			state.window.OnLossSignal()
			c.logger.WithFields(logrus.Fields{
				"seq":     entry.Seq,
				"attempt": attempt,
				"window":  state.window.Size(),
			}).Debug("dropped")
			continue
		}

		tokens = append(tokens, wire.FormatSeq(entry.Seq))
		state.frame = append(state.frame, entry)
		state.sent += 1
		state.outstanding += 1
	}
	return tokens
}

// unsend returns the identifiers of a frame that could not be written
// to the retry queue. They were never on the wire, so no drop is counted.
func (c *clientImpl) unsend() {
	state := c.state
	for _, entry := range state.frame {
		state.retries.Requeue(entry)
		state.sent -= 1
		if state.outstanding > 0 {
			state.outstanding -= 1
		}
	}
	c.logger.WithField("identifiers", len(state.frame)).Debug("frame not written, queued for retry")
	state.frame = state.frame[:0]
}

// fillBatch takes up to size identifiers from the retry queue, then mints
// new ones while the creation budget allows.
func (c *clientImpl) fillBatch(size int) []retry.Entry {
	state := c.state
	batch := make([]retry.Entry, 0, size)

	for len(batch) < size {
		entry, ok := state.retries.Pop()
		if !ok {
			break
		}
		batch = append(batch, entry)
	}
	for len(batch) < size && state.created < c.params.Total {
		state.currentSeq, state.cycle = c.params.Space.Next(state.currentSeq, state.cycle)
		state.created += 1
		batch = append(batch, retry.Entry{Seq: state.currentSeq, Cycle: state.cycle})
	}
	return batch
}

// readAcks performs one bounded read of acknowledgements and reports
// whether the server ended the transfer.
func (c *clientImpl) readAcks(framer *wire.Framer, timeout time.Duration) (bool, error) {
	tokens, err := framer.ReadTokens(ackReadSize, timeout)
	if err != nil {
		return false, err
	}

	state := c.state
	for _, token := range tokens {
		if token == wire.Fin {
			return true, nil
		}
		seq, err := wire.ParseSeq(token)
		if err != nil {
			c.logger.WithError(err).Warn("discarded malformed acknowledgement")
			continue
		}
		if state.outstanding > 0 {
			state.outstanding -= 1
		}
		state.acks += 1
		state.lastAck = seq
		c.emitter.Emit(events.AckEvent{ClientID: state.clientID, Seq: seq, At: time.Now()})
		state.window.OnPositiveAck()
	}
	return false, nil
}

// finish waits for the remaining acknowledgements and the server's FIN
// once everything has been sent. Without a FIN the client ends the
// session itself.
func (c *clientImpl) finish(framer *wire.Framer) error {
	for {
		finished, err := c.readAcks(framer, c.params.AckTimeout)
		if finished {
			c.state.completed = true
			return nil
		}
		if err != nil {
			if !transfererr.IsTimeout(err) && c.state.outstanding > 0 {
				return err
			}
			break
		}
	}

	c.terminate(framer)
	c.state.completed = true
	return nil
}

func (c *clientImpl) terminate(framer *wire.Framer) {
	if err := framer.WriteLine(wire.Terminate); err != nil {
		c.logger.WithError(err).Debug("failed to send TERMINATE")
	}
}

func (c *clientImpl) summarise(elapsed time.Duration, err error) Result {
	state := c.state
	return Result{
		ClientID:     state.clientID,
		Sent:         state.sent,
		Created:      state.created,
		Attempts:     state.attempts,
		Drops:        state.drops,
		Acks:         state.acks,
		LastAck:      state.lastAck,
		Frames:       state.frames,
		RetryTiers:   state.retries.Tiers(),
		RetryPending: state.retries.Len(),
		Window:       state.window.Size(),
		Reconnects:   state.reconnects,
		Elapsed:      elapsed,
		Completed:    state.completed,
		Interrupted:  state.interrupted,
		Error:        err,
	}
}
