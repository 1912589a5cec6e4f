package config

import (
	"os"
	"strconv"

	"github.com/fr3shw3b/seqstream/pkg/sequence"
	"github.com/pkg/errors"
)

type Config struct {
	LogLevel      string
	TransferTotal int64
	SequenceChunk uint32
	SequenceLimit uint32
	// ReadTimeoutMS bounds each receive poll.
	ReadTimeoutMS int
	// MaxIdlePolls is the number of consecutive empty polls after which
	// a connection is considered dead.
	MaxIdlePolls       int
	HandshakeTimeoutMS int
	// SessionStateIdleTimeExpiry is in seconds.
	SessionStateIdleTimeExpiry int
	ReceiveWidthInitial        int
	ReceiveWidthMin            int
	ReceiveWidthMax            int
	HeartbeatIntervalS         int
	// EventLogDir is where CSV event logs are written, empty disables them.
	EventLogDir string
	EventBuffer int
}

func Load() (*Config, error) {
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

	readTimeout, err := lookupInt("READ_TIMEOUT_MS", 1000)
	if err != nil {
		return nil, err
	}

	maxIdlePolls, err := lookupInt("MAX_IDLE_POLLS", 10)
	if err != nil {
		return nil, err
	}

	handshakeTimeout, err := lookupInt("HANDSHAKE_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}

	sessionStateIdleTimeExpiry, err := lookupInt("SESSION_STATE_IDLE_TIME_EXPIRY", 30)
	if err != nil {
		return nil, err
	}

	widthInitial, err := lookupInt("RECV_WIDTH_INITIAL", 8192)
	if err != nil {
		return nil, err
	}

	widthMin, err := lookupInt("RECV_WIDTH_MIN", 1024)
	if err != nil {
		return nil, err
	}

	widthMax, err := lookupInt("RECV_WIDTH_MAX", 32768)
	if err != nil {
		return nil, err
	}

	heartbeat, err := lookupInt("HEARTBEAT_INTERVAL_S", 10)
	if err != nil {
		return nil, err
	}

	eventBuffer, err := lookupInt("EVENT_BUFFER", 4096)
	if err != nil {
		return nil, err
	}

	return &Config{
		LogLevel:                   lookupString("LOG_LEVEL", "info"),
		TransferTotal:              total,
		SequenceChunk:              chunk,
		SequenceLimit:              limit,
		ReadTimeoutMS:              readTimeout,
		MaxIdlePolls:               maxIdlePolls,
		HandshakeTimeoutMS:         handshakeTimeout,
		SessionStateIdleTimeExpiry: sessionStateIdleTimeExpiry,
		ReceiveWidthInitial:        widthInitial,
		ReceiveWidthMin:            widthMin,
		ReceiveWidthMax:            widthMax,
		HeartbeatIntervalS:         heartbeat,
		EventLogDir:                lookupString("EVENT_LOG_DIR", ""),
		EventBuffer:                eventBuffer,
	}, nil
}

func (c *Config) Validate() error {
	if c.TransferTotal < 1 {
		return errors.New("TRANSFER_TOTAL must be at least 1")
	}
	if _, err := sequence.NewSpace(c.SequenceChunk, c.SequenceLimit); err != nil {
		return errors.Wrap(err, "SEQUENCE_CHUNK/SEQUENCE_LIMIT")
	}
	if c.ReadTimeoutMS < 1 || c.HandshakeTimeoutMS < 1 {
		return errors.New("READ_TIMEOUT_MS and HANDSHAKE_TIMEOUT_MS must be positive")
	}
	if c.MaxIdlePolls < 1 {
		return errors.New("MAX_IDLE_POLLS must be at least 1")
	}
	if c.ReceiveWidthMin < 1 || c.ReceiveWidthMin > c.ReceiveWidthMax {
		return errors.Errorf("RECV_WIDTH_MIN %d must be positive and at most RECV_WIDTH_MAX %d",
			c.ReceiveWidthMin, c.ReceiveWidthMax)
	}
	if c.ReceiveWidthInitial < c.ReceiveWidthMin || c.ReceiveWidthInitial > c.ReceiveWidthMax {
		return errors.Errorf("RECV_WIDTH_INITIAL %d must be within [%d, %d]",
			c.ReceiveWidthInitial, c.ReceiveWidthMin, c.ReceiveWidthMax)
	}
	if c.HeartbeatIntervalS < 1 {
		return errors.New("HEARTBEAT_INTERVAL_S must be at least 1")
	}
	if c.EventBuffer < 1 {
		return errors.New("EVENT_BUFFER must be at least 1")
	}
	return nil
}

func lookupString(name string, fallback string) string {
	value, exists := os.LookupEnv(name)
	if !exists {
		return fallback
	}
	return value
}

func lookupInt(name string, fallback int) (int, error) {
	value, exists := os.LookupEnv(name)
	if !exists {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", name)
	}
	return parsed, nil
}

func lookupInt64(name string, fallback int64) (int64, error) {
	value, exists := os.LookupEnv(name)
	if !exists {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", name)
	}
	return parsed, nil
}

func lookupUint32(name string, fallback uint32) (uint32, error) {
	value, exists := os.LookupEnv(name)
	if !exists {
		return fallback, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", name)
	}
	return uint32(parsed), nil
}

func lookupFloat(name string, fallback float64) (float64, error) {
	value, exists := os.LookupEnv(name)
	if !exists {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", name)
	}
	return parsed, nil
}
