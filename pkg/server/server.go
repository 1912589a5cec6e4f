package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fr3shw3b/seqstream/pkg/events"
	"github.com/fr3shw3b/seqstream/pkg/handshake"
	"github.com/fr3shw3b/seqstream/pkg/sequence"
	"github.com/fr3shw3b/seqstream/pkg/sessions"
	"github.com/fr3shw3b/seqstream/pkg/transfererr"
	"github.com/fr3shw3b/seqstream/pkg/window"
	"github.com/fr3shw3b/seqstream/pkg/wire"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const (
	// ReportInterval is the number of observed identifiers between
	// receive event batches.
	ReportInterval = 1000
	// StatsPath serves the registry aggregates.
	StatsPath = "/stats"
)

type ServerParams struct {
	Space            sequence.Space
	Total            int64
	ReadTimeout      time.Duration
	MaxIdlePolls     int
	HandshakeTimeout time.Duration
	InitialWidth     int
	MinWidth         int
	MaxWidth         int
}

// SessionManager runs the receive side of the protocol, one goroutine per
// connection.
type SessionManager struct {
	params      *ServerParams
	store       sessions.SessionStore
	emitter     events.Emitter
	logger      *logrus.Logger
	connections sync.WaitGroup
}

func NewSessionManager(
	params *ServerParams,
	store sessions.SessionStore,
	emitter events.Emitter,
	logger *logrus.Logger,
) *SessionManager {
	return &SessionManager{
		params:  params,
		store:   store,
		emitter: emitter,
		logger:  logger,
	}
}

// Serve accepts TCP connections until ctx is cancelled. It does not wait
// for the connections it started, see Wait.
func (m *SessionManager) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			m.logger.WithError(err).Error("accept failed")
			continue
		}

		m.connections.Add(1)
		go func() {
			defer m.connections.Done()
			m.Handle(ctx, wire.NewTCPStream(conn))
		}()
	}
}

// Router serves the WebSocket transport and the stats endpoint.
func (m *SessionManager) Router(ctx context.Context) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc(wire.StreamPath, func(w http.ResponseWriter, r *http.Request) {
		stream, err := wire.Upgrade(w, r)
		if err != nil {
			m.logger.WithError(err).Error("websockets upgrade error")
			return
		}
		m.connections.Add(1)
		defer m.connections.Done()
		m.Handle(ctx, stream)
	}).Methods(http.MethodGet)
	router.HandleFunc(StatsPath, m.serveStats).Methods(http.MethodGet)
	return router
}

// StatsRouter serves only the stats endpoint, for the TCP transport.
func (m *SessionManager) StatsRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc(StatsPath, m.serveStats).Methods(http.MethodGet)
	return router
}

func (m *SessionManager) serveStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.store.Stats()); err != nil {
		m.logger.WithError(err).Error("failed to write stats")
	}
}

// Heartbeat logs the registry aggregates and sweeps expired sessions
// every interval until ctx is cancelled.
func (m *SessionManager) Heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := m.store.Sweep()
			stats := m.store.Stats()
			m.logger.WithFields(logrus.Fields{
				"active":    stats.Active,
				"parked":    stats.Parked,
				"accepted":  stats.Accepted,
				"completed": stats.Completed,
				"expired":   swept,
			}).Info("heartbeat")
		}
	}
}

// Wait blocks until every connection handler has returned.
func (m *SessionManager) Wait() {
	m.connections.Wait()
}

// Handle runs one connection from handshake to close.
func (m *SessionManager) Handle(ctx context.Context, stream wire.Stream) {
	defer stream.Close()
	logger := m.logger.WithField("peer", stream.Peer())
	framer := wire.NewFramer(stream)

	negotiator := handshake.NewNegotiator(
		&handshake.NegotiatorParams{Space: m.params.Space, Timeout: m.params.HandshakeTimeout},
		logger,
	)
	hello, err := negotiator.AwaitHello(framer)
	if err != nil {
		m.abort(stream, logger, err)
		return
	}
	logger = logger.WithField("client_id", hello.ClientID)

	lease, err := m.store.Acquire(ctx, hello.ClientID)
	if err != nil {
		logger.WithError(err).Warn("could not acquire session")
		return
	}

	var tracked *handshake.ResumeState
	if existing := lease.Session(); existing != nil {
		snapshot := existing.Snapshot()
		tracked = &snapshot
	}
	outcome, err := negotiator.Respond(framer, hello, tracked, m.params.Total)
	if err != nil {
		lease.Release()
		m.abort(stream, logger, err)
		return
	}

	session := m.prepareSession(lease, hello.ClientID, outcome, logger)
	logger.WithFields(logrus.Fields{
		"mode":     outcome.Mode,
		"acked":    session.Acked,
		"expected": session.ExpectedSeq,
	}).Info("session established")

	h := &handler{
		manager: m,
		ctx:     ctx,
		lease:   lease,
		session: session,
		framer:  framer,
		logger:  logger,
	}
	h.run()
}

func (m *SessionManager) prepareSession(
	lease *sessions.Lease,
	clientID string,
	outcome handshake.Outcome,
	logger *logrus.Entry,
) *sessions.Session {
	session := lease.Session()
	if outcome.Mode != handshake.ModeFresh && session != nil {
		skipped, released := session.Resume(outcome.State, m.params.Space)
		lease.Accepted(int64(released))
		if skipped > 0 || released > 0 {
			logger.WithFields(logrus.Fields{
				"skipped":  skipped,
				"released": released,
			}).Debug("caught up to the resumed position")
		}
		return session
	}

	width := window.NewReceiveWidth(m.params.InitialWidth, m.params.MinWidth, m.params.MaxWidth, clientID, m.emitter)
	session = sessions.NewSession(clientID, m.params.Space, width)
	lease.Replace(session)
	if outcome.Mode == handshake.ModePushed {
		logger.Warn("no tracked session for pushed state, identifiers sent before it are not tracked")
		session.Adopt(outcome.State, m.params.Space)
	}
	return session
}

func (m *SessionManager) abort(stream wire.Stream, logger *logrus.Entry, err error) {
	if errors.Is(err, transfererr.ErrProtocol) {
		logger.WithError(err).Warn("aborting connection")
		wire.Abort(stream, err.Error())
		return
	}
	logger.WithError(err).Info("connection closed during handshake")
}

// handler is the receive loop of one established session.
type handler struct {
	manager *SessionManager
	ctx     context.Context
	lease   *sessions.Lease
	session *sessions.Session
	framer  *wire.Framer
	logger  *logrus.Entry
	// observed since the last report
	batch    []uint32
	accepted int
}

func (h *handler) run() {
	params := h.manager.params
	idlePolls := 0

	for {
		if h.lease.Context().Err() != nil {
			h.stop()
			return
		}

		h.session.Width.BeginIteration()
		tokens, err := h.framer.ReadTokens(h.session.Width.Width(), params.ReadTimeout)
		if err != nil {
			switch {
			case errors.Is(err, transfererr.ErrTimeout):
				idlePolls += 1
				if idlePolls < params.MaxIdlePolls {
					continue
				}
				h.logger.WithField("polls", idlePolls).Info("peer idle, parking session")
			case errors.Is(err, transfererr.ErrMalformed):
				h.session.Malformed += 1
				h.logger.WithError(err).Warn("discarded malformed frame")
				continue
			default:
				h.logger.WithError(err).Info("connection lost, parking session")
			}
			h.park()
			return
		}
		idlePolls = 0

		acks := make([]string, 0, len(tokens))
		done, terminated := false, false
		for _, token := range tokens {
			if token == wire.Terminate {
				terminated = true
				break
			}
			ack, ok := h.receive(token)
			if ok {
				acks = append(acks, ack)
			}
			if h.session.Acked >= params.Total {
				done = true
				break
			}
		}

		if err := h.framer.WriteFrame(acks); err != nil {
			h.logger.WithError(err).Info("failed to send acks, parking session")
			h.park()
			return
		}
		if done {
			h.complete()
			return
		}
		if terminated {
			h.logger.WithField("acked", h.session.Acked).Info("client terminated the session")
			h.park()
			return
		}
	}
}

// receive resolves one token and returns the ack to send for it.
func (h *handler) receive(token string) (string, bool) {
	params := h.manager.params
	seq, err := wire.ParseSeq(token)
	if err == nil && !params.Space.Valid(seq) {
		err = transfererr.NewMalformedFrameError(token, "outside the sequence space")
	}
	if err != nil {
		h.session.Malformed += 1
		h.logger.WithError(err).Warn("discarded malformed token")
		return "", false
	}

	resolution, accepted := resolve(params.Space, h.session, seq)
	h.session.Observed += 1
	h.logger.WithFields(logrus.Fields{
		"seq":        seq,
		"resolution": resolution,
		"expected":   h.session.ExpectedSeq,
	}).Trace("received")

	if accepted > 0 {
		before := h.session.Acked - int64(accepted)
		h.lease.Accepted(int64(accepted))
		if before/ReportInterval != h.session.Acked/ReportInterval {
			h.logger.WithFields(logrus.Fields{
				"acked":  h.session.Acked,
				"uptime": time.Since(h.session.StartedAt).Round(time.Millisecond),
			}).Info("progress")
		}
	}
	h.accepted += accepted
	h.batch = append(h.batch, seq)
	if len(h.batch) >= ReportInterval {
		h.report()
	}

	return wire.FormatSeq(h.session.ExpectedSeq), true
}

// report emits the receive events observed since the last report and an
// efficiency sample for them.
func (h *handler) report() {
	now := time.Now()
	emitter := h.manager.emitter
	for _, seq := range h.batch {
		emitter.Emit(events.ReceiveEvent{ClientID: h.session.ClientID, Seq: seq, At: now})
	}
	sample := events.NewEfficiencySample(h.session.ClientID, h.accepted, h.session.Lag.Len(), now)
	emitter.Emit(sample)
	h.lease.Sampled(sample.Efficiency)
	h.session.EfficiencySum += sample.Efficiency
	h.session.EfficiencySamples += 1

	h.batch = h.batch[:0]
	h.accepted = 0
}

func (h *handler) summary() logrus.Fields {
	return logrus.Fields{
		"acked":           h.session.Acked,
		"observed":        h.session.Observed,
		"duplicates":      h.session.Duplicates,
		"malformed":       h.session.Malformed,
		"lagging":         h.session.Lag.Len(),
		"mean_efficiency": h.session.MeanEfficiency(),
		"elapsed":         time.Since(h.session.StartedAt).Round(time.Millisecond),
	}
}

func (h *handler) complete() {
	if len(h.batch) > 0 {
		h.report()
	}
	if err := h.framer.WriteLine(wire.Fin); err != nil {
		h.logger.WithError(err).Warn("failed to send FIN")
	}
	h.lease.Complete()
	h.logger.WithFields(h.summary()).Info("transfer complete")
	wire.Finish(h.framer.Stream())
}

func (h *handler) park() {
	if len(h.batch) > 0 {
		h.report()
	}
	h.lease.Release()
	h.logger.WithFields(h.summary()).Info("session parked")
}

// stop ends the session when the server shuts down or another connection
// takes the session over.
func (h *handler) stop() {
	if h.ctx.Err() != nil {
		if err := h.framer.WriteLine(wire.Fin); err != nil {
			h.logger.WithError(err).Debug("failed to send FIN on shutdown")
		}
		h.park()
		return
	}
	h.logger.Info("session taken over by a new connection")
	h.park()
}
