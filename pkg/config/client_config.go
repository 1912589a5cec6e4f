package config

import (
	"github.com/fr3shw3b/seqstream/pkg/sequence"
	"github.com/pkg/errors"
)

type ClientConfig struct {
	LogLevel             string
	TransferTotal        int64
	SequenceChunk        uint32
	SequenceLimit        uint32
	WindowInitial        int
	WindowCap            int
	LossProbability      float64
	AckTimeoutMS         int
	HandshakeTimeoutMS   int
	MaxReconnectAttempts int
	InitialBackoffMS     int
	MaxBackoffS          int
	EventLogDir          string
	EventBuffer          int
}

func LoadForClient() (*ClientConfig, error) {
	total, err := lookupInt64("TRANSFER_TOTAL", 100000)
	if err != nil {
		return nil, err
	}

	chunk, err := lookupUint32("SEQUENCE_CHUNK", sequence.DefaultChunk)
	if err != nil {
		return nil, err
	}

	limit, err := lookupUint32("SEQUENCE_LIMIT", sequence.DefaultLimit)
	if err != nil {
		return nil, err
	}

	windowInitial, err := lookupInt("WINDOW_INITIAL", 1)
	if err != nil {
		return nil, err
	}

	windowCap, err := lookupInt("WINDOW_CAP", 2048)
	if err != nil {
		return nil, err
	}

	lossProbability, err := lookupFloat("LOSS_PROBABILITY", 0.01)
	if err != nil {
		return nil, err
	}

	ackTimeout, err := lookupInt("ACK_TIMEOUT_MS", 500)
	if err != nil {
		return nil, err
	}

	handshakeTimeout, err := lookupInt("HANDSHAKE_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}

	maxReconnectAttempts, err := lookupInt("MAX_RECONNECTION_ATTEMPTS", 100)
	if err != nil {
		return nil, err
	}

	initialBackoff, err := lookupInt("INITIAL_BACKOFF_MS", 1000)
	if err != nil {
		return nil, err
	}

	maxBackoff, err := lookupInt("MAX_BACKOFF_S", 60)
	if err != nil {
		return nil, err
	}

	eventBuffer, err := lookupInt("EVENT_BUFFER", 4096)
	if err != nil {
		return nil, err
	}

	return &ClientConfig{
		LogLevel:             lookupString("LOG_LEVEL", "info"),
		TransferTotal:        total,
		SequenceChunk:        chunk,
		SequenceLimit:        limit,
		WindowInitial:        windowInitial,
		WindowCap:            windowCap,
		LossProbability:      lossProbability,
		AckTimeoutMS:         ackTimeout,
		HandshakeTimeoutMS:   handshakeTimeout,
		MaxReconnectAttempts: maxReconnectAttempts,
		InitialBackoffMS:     initialBackoff,
		MaxBackoffS:          maxBackoff,
		EventLogDir:          lookupString("EVENT_LOG_DIR", ""),
		EventBuffer:          eventBuffer,
	}, nil
}

func (c *ClientConfig) Validate() error {
	if c.TransferTotal < 1 {
		return errors.New("TRANSFER_TOTAL must be at least 1")
	}
	if _, err := sequence.NewSpace(c.SequenceChunk, c.SequenceLimit); err != nil {
		return errors.Wrap(err, "SEQUENCE_CHUNK/SEQUENCE_LIMIT")
	}
	if c.WindowCap < 1 || c.WindowInitial < 1 || c.WindowInitial > c.WindowCap {
		return errors.Errorf("WINDOW_INITIAL %d must be within [1, WINDOW_CAP %d]", c.WindowInitial, c.WindowCap)
	}
	if c.LossProbability < 0 || c.LossProbability >= 1 {
		return errors.Errorf("LOSS_PROBABILITY %v must be within [0, 1)", c.LossProbability)
	}
	if c.AckTimeoutMS < 1 || c.HandshakeTimeoutMS < 1 {
		return errors.New("ACK_TIMEOUT_MS and HANDSHAKE_TIMEOUT_MS must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		return errors.New("MAX_RECONNECTION_ATTEMPTS must not be negative")
	}
	if c.InitialBackoffMS < 1 || c.MaxBackoffS < 1 {
		return errors.New("INITIAL_BACKOFF_MS and MAX_BACKOFF_S must be positive")
	}
	if c.EventBuffer < 1 {
		return errors.New("EVENT_BUFFER must be at least 1")
	}
	return nil
}
