package handshake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fr3shw3b/seqstream/pkg/sequence"
	"github.com/fr3shw3b/seqstream/pkg/transfererr"
)

// HelloKind is the opening token a client sends on connect.
type HelloKind string

const (
	// Syn asks for a session and lets the server decide whether to resume it.
	Syn HelloKind = "SYN"
	// Rcn asks the server to adopt the client's own counters.
	Rcn HelloKind = "RCN"
)

// Server replies and the snapshot request.
const (
	ReplyNew  = "NEW"
	ReplyOld  = "OLD"
	ReplySend = "SND"
)

const (
	// FreshThreshold is the count under which a session is too young to resume.
	FreshThreshold = 10
	// CompletionRatio is the share of the total past which a session is
	// considered finished and is started over instead of resumed.
	CompletionRatio = 0.99
)

type Hello struct {
	Kind     HelloKind
	ClientID string
}

func (h Hello) String() string {
	return fmt.Sprintf("%s %s", h.Kind, h.ClientID)
}

// ParseHello reads a hello line. Anything other than a SYN or RCN token
// followed by a single client id is a protocol violation.
func ParseHello(line string) (Hello, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Hello{}, transfererr.NewProtocolViolationError("hello", line)
	}

	kind := HelloKind(fields[0])
	if kind != Syn && kind != Rcn {
		return Hello{}, transfererr.NewProtocolViolationError("hello", line)
	}
	return Hello{Kind: kind, ClientID: fields[1]}, nil
}

// ChooseHello prefers resuming unless the client has barely started or
// has almost finished, in which case it asks for a fresh session.
func ChooseHello(sent int64, total int64) HelloKind {
	if sent < FreshThreshold || float64(sent) > CompletionRatio*float64(total) {
		return Syn
	}
	return Rcn
}

// Resumable reports whether server counters are worth resuming from.
func Resumable(acked int64, total int64) bool {
	return acked >= FreshThreshold && float64(acked) <= CompletionRatio*float64(total)
}

// ResumeState is the snapshot exchanged while resuming a session.
type ResumeState struct {
	AckedCount int64  `json:"ackedCount"`
	CurrentSeq uint32 `json:"currentSeq"`
}

// wireResumeState detects missing fields while decoding.
type wireResumeState struct {
	AckedCount *int64  `json:"ackedCount"`
	CurrentSeq *uint32 `json:"currentSeq"`
}

func (s ResumeState) Encode() (string, error) {
	encoded, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// DecodeResumeState parses a snapshot line. Unknown or missing fields,
// trailing data, a negative count or an identifier outside space are
// all rejected.
func DecodeResumeState(line string, space sequence.Space) (ResumeState, error) {
	decoder := json.NewDecoder(bytes.NewReader([]byte(line)))
	decoder.DisallowUnknownFields()

	decoded := wireResumeState{}
	if err := decoder.Decode(&decoded); err != nil {
		return ResumeState{}, transfererr.NewProtocolViolationError("resume snapshot", line)
	}
	if decoder.More() {
		return ResumeState{}, transfererr.NewProtocolViolationError("resume snapshot", line)
	}
	if decoded.AckedCount == nil || decoded.CurrentSeq == nil {
		return ResumeState{}, transfererr.NewProtocolViolationError("resume snapshot", line)
	}
	if *decoded.AckedCount < 0 || !space.Valid(*decoded.CurrentSeq) {
		return ResumeState{}, transfererr.NewProtocolViolationError("resume snapshot", line)
	}

	return ResumeState{
		AckedCount: *decoded.AckedCount,
		CurrentSeq: *decoded.CurrentSeq,
	}, nil
}
