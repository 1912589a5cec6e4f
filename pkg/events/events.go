package events

import (
	"strconv"
	"time"
)

// Kind names the log stream a record belongs to. Sinks that persist
// records to files use it as the file prefix.
type Kind string

const (
	KindDrop          Kind = "drops"
	KindAck           Kind = "acks"
	KindSendWindow    Kind = "winlog"
	KindReceiveWindow Kind = "recv_winsz"
	KindReceive       Kind = "rx"
	KindEfficiency    Kind = "efficiency"
)

// Side distinguishes sender and receiver window samples.
type Side string

const (
	SideSend    Side = "send"
	SideReceive Side = "receive"
)

// Record is a single event emitted by the protocol engine.
// Header and Row have the same length.
type Record interface {
	Kind() Kind
	Header() []string
	Row() []string
}

// Emitter accepts records without blocking the caller.
type Emitter interface {
	Emit(record Record)
}

// Discard is an Emitter that drops every record.
type Discard struct{}

func (Discard) Emit(Record) {}

type DropEvent struct {
	ClientID string
	Seq      uint32
	Cycle    uint64
	At       time.Time
}

func (e DropEvent) Kind() Kind { return KindDrop }

func (e DropEvent) Header() []string {
	return []string{"client", "sid", "cycle", "tstamp"}
}

func (e DropEvent) Row() []string {
	return []string{
		e.ClientID,
		strconv.FormatUint(uint64(e.Seq), 10),
		strconv.FormatUint(e.Cycle, 10),
		formatTime(e.At),
	}
}

type AckEvent struct {
	ClientID string
	Seq      uint32
	At       time.Time
}

func (e AckEvent) Kind() Kind { return KindAck }

func (e AckEvent) Header() []string {
	return []string{"client", "ack", "tstamp"}
}

func (e AckEvent) Row() []string {
	return []string{e.ClientID, strconv.FormatUint(uint64(e.Seq), 10), formatTime(e.At)}
}

// WindowSample is emitted whenever a window changes size.
type WindowSample struct {
	ClientID string
	Side     Side
	Size     int
	At       time.Time
}

func (s WindowSample) Kind() Kind {
	if s.Side == SideReceive {
		return KindReceiveWindow
	}
	return KindSendWindow
}

func (s WindowSample) Header() []string {
	if s.Side == SideReceive {
		return []string{"client", "recv_win", "timestamp"}
	}
	return []string{"client", "wsize", "tstamp"}
}

func (s WindowSample) Row() []string {
	return []string{s.ClientID, strconv.Itoa(s.Size), formatTime(s.At)}
}

type ReceiveEvent struct {
	ClientID string
	Seq      uint32
	At       time.Time
}

func (e ReceiveEvent) Kind() Kind { return KindReceive }

func (e ReceiveEvent) Header() []string {
	return []string{"client", "seq", "time"}
}

func (e ReceiveEvent) Row() []string {
	return []string{e.ClientID, strconv.FormatUint(uint64(e.Seq), 10), formatTime(e.At)}
}

// EfficiencySample is the share of identifiers received in order
// against those still lagging, sampled once per receive batch.
type EfficiencySample struct {
	ClientID   string
	Received   int
	Lagged     int
	Efficiency float64
	At         time.Time
}

func NewEfficiencySample(clientID string, received int, lagged int, at time.Time) EfficiencySample {
	ratio := 0.0
	if received+lagged > 0 {
		ratio = float64(received) / float64(received+lagged)
	}
	return EfficiencySample{
		ClientID:   clientID,
		Received:   received,
		Lagged:     lagged,
		Efficiency: ratio,
		At:         at,
	}
}

func (s EfficiencySample) Kind() Kind { return KindEfficiency }

func (s EfficiencySample) Header() []string {
	return []string{"client", "received", "sent", "eff", "tstamp"}
}

func (s EfficiencySample) Row() []string {
	return []string{
		s.ClientID,
		strconv.Itoa(s.Received),
		strconv.Itoa(s.Received + s.Lagged),
		strconv.FormatFloat(s.Efficiency, 'f', 6, 64),
		formatTime(s.At),
	}
}

// formatTime renders fractional unix seconds, which is what the
// plotting tools read.
func formatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}
