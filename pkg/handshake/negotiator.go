package handshake

import (
	"time"

	"github.com/fr3shw3b/seqstream/pkg/sequence"
	"github.com/fr3shw3b/seqstream/pkg/transfererr"
	"github.com/sirupsen/logrus"
)

// State of a negotiation.
type State int

const (
	StateInit State = iota
	StateHelloSent
	StateFresh
	StateResumeWait
	StateActive
	StateAborted
)

var stateNames = map[State]string{
	StateInit:       "INIT",
	StateHelloSent:  "HELLO_SENT",
	StateFresh:      "FRESH",
	StateResumeWait: "RESUME_WAIT",
	StateActive:     "ACTIVE",
	StateAborted:    "ABORTED",
}

func (s State) String() string {
	if name, exists := stateNames[s]; exists {
		return name
	}
	return "UNKNOWN"
}

// Mode says whose counters a session continues from.
type Mode int

const (
	// ModeFresh starts from zero.
	ModeFresh Mode = iota
	// ModeResumed continues from the server's snapshot.
	ModeResumed
	// ModePushed continues from the snapshot the client pushed.
	ModePushed
)

func (m Mode) String() string {
	switch m {
	case ModeFresh:
		return "fresh"
	case ModeResumed:
		return "resumed"
	case ModePushed:
		return "pushed"
	}
	return "unknown"
}

type Outcome struct {
	Mode  Mode
	State ResumeState
}

// LineConn is the line-oriented view of a connection a handshake needs.
type LineConn interface {
	ReadLine(timeout time.Duration) (string, error)
	WriteLine(line string) error
}

type NegotiatorParams struct {
	Space   sequence.Space
	Timeout time.Duration
}

// Negotiator runs one handshake, on either side of a connection.
type Negotiator struct {
	params *NegotiatorParams
	state  State
	logger *logrus.Entry
}

func NewNegotiator(params *NegotiatorParams, logger *logrus.Entry) *Negotiator {
	return &Negotiator{params: params, state: StateInit, logger: logger}
}

func (n *Negotiator) State() State {
	return n.state
}

// Client sends the hello for clientID and follows the server's reply.
// local carries the client's sent count and last minted identifier.
func (n *Negotiator) Client(conn LineConn, clientID string, local ResumeState, total int64) (Outcome, error) {
	hello := Hello{Kind: ChooseHello(local.AckedCount, total), ClientID: clientID}
	if err := conn.WriteLine(hello.String()); err != nil {
		return n.abort(err)
	}
	n.transition(StateHelloSent)

	reply, err := conn.ReadLine(n.params.Timeout)
	if err != nil {
		return n.abort(err)
	}

	switch reply {
	case ReplyNew:
		n.transition(StateFresh)
		n.transition(StateActive)
		return Outcome{Mode: ModeFresh}, nil

	case ReplyOld:
		n.transition(StateResumeWait)
		if err := conn.WriteLine(ReplySend); err != nil {
			return n.abort(err)
		}
		remote, err := n.readSnapshot(conn)
		if err != nil {
			return n.abort(err)
		}
		n.transition(StateActive)
		return Outcome{Mode: ModeResumed, State: remote}, nil

	case ReplySend:
		n.transition(StateResumeWait)
		if err := n.writeSnapshot(conn, local); err != nil {
			return n.abort(err)
		}
		n.transition(StateActive)
		return Outcome{Mode: ModePushed, State: local}, nil
	}

	return n.abort(transfererr.NewProtocolViolationError("hello reply", reply))
}

// AwaitHello reads and validates the client's hello.
func (n *Negotiator) AwaitHello(conn LineConn) (Hello, error) {
	line, err := conn.ReadLine(n.params.Timeout)
	if err != nil {
		n.transition(StateAborted)
		return Hello{}, err
	}
	hello, err := ParseHello(line)
	if err != nil {
		n.transition(StateAborted)
		return Hello{}, err
	}
	n.transition(StateHelloSent)
	return hello, nil
}

// Respond answers a hello. tracked is the server's snapshot for the
// client id, nil when nothing resumable is tracked.
func (n *Negotiator) Respond(conn LineConn, hello Hello, tracked *ResumeState, total int64) (Outcome, error) {
	if hello.Kind == Rcn {
		if err := conn.WriteLine(ReplySend); err != nil {
			return n.abort(err)
		}
		n.transition(StateResumeWait)
		pushed, err := n.readSnapshot(conn)
		if err != nil {
			return n.abort(err)
		}
		n.transition(StateActive)
		return Outcome{Mode: ModePushed, State: pushed}, nil
	}

	if tracked == nil || !Resumable(tracked.AckedCount, total) {
		if err := conn.WriteLine(ReplyNew); err != nil {
			return n.abort(err)
		}
		n.transition(StateFresh)
		n.transition(StateActive)
		return Outcome{Mode: ModeFresh}, nil
	}

	if err := conn.WriteLine(ReplyOld); err != nil {
		return n.abort(err)
	}
	n.transition(StateResumeWait)

	request, err := conn.ReadLine(n.params.Timeout)
	if err != nil {
		return n.abort(err)
	}
	if request != ReplySend {
		return n.abort(transfererr.NewProtocolViolationError("snapshot request", request))
	}
	if err := n.writeSnapshot(conn, *tracked); err != nil {
		return n.abort(err)
	}
	n.transition(StateActive)
	return Outcome{Mode: ModeResumed, State: *tracked}, nil
}

func (n *Negotiator) readSnapshot(conn LineConn) (ResumeState, error) {
	line, err := conn.ReadLine(n.params.Timeout)
	if err != nil {
		return ResumeState{}, err
	}
	return DecodeResumeState(line, n.params.Space)
}

func (n *Negotiator) writeSnapshot(conn LineConn, state ResumeState) error {
	encoded, err := state.Encode()
	if err != nil {
		return err
	}
	return conn.WriteLine(encoded)
}

func (n *Negotiator) transition(next State) {
	n.logger.WithFields(logrus.Fields{"from": n.state, "to": next}).Debug("handshake transition")
	n.state = next
}

func (n *Negotiator) abort(err error) (Outcome, error) {
	n.transition(StateAborted)
	return Outcome{}, err
}
