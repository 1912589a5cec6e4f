package wire

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/fr3shw3b/seqstream/pkg/transfererr"
	"github.com/pkg/errors"
)

const (
	// Separator joins identifiers inside a data or ack frame.
	Separator = ","
	// Terminator ends every frame and every handshake line.
	Terminator = "\n"

	// Fin is sent by the server once the transfer total is reached.
	Fin = "FIN"
	// Terminate is sent by the client when it stops sending.
	Terminate = "TERMINATE"

	lineReadSize = 512
	// maxPending bounds bytes buffered without a delimiter.
	maxPending = 1 << 20
)

// Framer reads delimited tokens and lines from a Stream. Bytes that end
// in the middle of a token are kept until the rest of the token arrives,
// so a frame split across reads is neither dropped nor double counted.
// A Framer is not safe for concurrent use.
type Framer struct {
	stream  Stream
	pending []byte
	buf     []byte
}

func NewFramer(stream Stream) *Framer {
	return &Framer{stream: stream}
}

func (f *Framer) Stream() Stream {
	return f.stream
}

// ReadLine returns the next newline-terminated line without its
// terminator, waiting at most timeout for it to complete.
func (f *Framer) ReadLine(timeout time.Duration) (string, error) {
	if err := f.stream.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", transfererr.Classify("read line", errors.Wrap(err, "set read deadline"))
	}

	for {
		if idx := bytes.IndexByte(f.pending, '\n'); idx >= 0 {
			line := string(f.pending[:idx])
			f.pending = f.pending[idx+1:]
			return strings.TrimRight(line, "\r"), nil
		}
		if len(f.pending) > maxPending {
			f.pending = nil
			return "", transfererr.NewMalformedFrameError("", "line exceeds maximum length")
		}
		if _, err := f.fill(lineReadSize); err != nil {
			return "", transfererr.Classify("read line", err)
		}
	}
}

// ReadTokens returns the complete tokens available, reading at most width
// bytes from the stream when none are buffered. An empty result with a nil
// error means the read only completed part of a token.
func (f *Framer) ReadTokens(width int, timeout time.Duration) ([]string, error) {
	if tokens := f.extractTokens(); len(tokens) > 0 {
		return tokens, nil
	}

	if err := f.stream.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, transfererr.Classify("read frame", errors.Wrap(err, "set read deadline"))
	}
	if _, err := f.fill(width); err != nil {
		return nil, transfererr.Classify("read frame", err)
	}
	if len(f.pending) > maxPending {
		dropped := len(f.pending)
		f.pending = nil
		return nil, transfererr.NewMalformedFrameError("", strconv.Itoa(dropped)+" bytes without a separator")
	}
	return f.extractTokens(), nil
}

// Buffered is the number of bytes read but not yet returned.
func (f *Framer) Buffered() int {
	return len(f.pending)
}

// WriteLine writes a single terminated line.
func (f *Framer) WriteLine(line string) error {
	return f.write(line + Terminator)
}

// WriteFrame writes tokens as one separator-joined, terminated frame.
func (f *Framer) WriteFrame(tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	return f.write(strings.Join(tokens, Separator) + Terminator)
}

func (f *Framer) write(payload string) error {
	if _, err := f.stream.Write([]byte(payload)); err != nil {
		return transfererr.Classify("write", errors.Wrapf(err, "write to %s", f.stream.Peer()))
	}
	return nil
}

// fill performs a single read of up to size bytes. Data that arrives
// together with an error is kept and the error is left for the next read.
func (f *Framer) fill(size int) (int, error) {
	if size <= 0 {
		size = lineReadSize
	}
	if cap(f.buf) < size {
		f.buf = make([]byte, size)
	}
	buf := f.buf[:size]

	n, err := f.stream.Read(buf)
	if n > 0 {
		f.pending = append(f.pending, buf[:n]...)
		return n, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read from %s", f.stream.Peer())
	}
	return 0, nil
}

// extractTokens removes every token followed by a delimiter from the
// pending buffer. A trailing token without a delimiter stays buffered.
func (f *Framer) extractTokens() []string {
	var tokens []string
	start := 0
	for i, b := range f.pending {
		if !isDelimiter(b) {
			continue
		}
		if i > start {
			tokens = append(tokens, string(f.pending[start:i]))
		}
		start = i + 1
	}
	f.pending = f.pending[start:]
	if len(f.pending) == 0 {
		f.pending = nil
	}
	return tokens
}

func isDelimiter(b byte) bool {
	return b == ',' || b == ' ' || b == '\n' || b == '\r' || b == '\t'
}

// ParseSeq parses an identifier token.
func ParseSeq(token string) (uint32, error) {
	value, err := strconv.ParseUint(token, 10, 32)
	if err != nil {
		return 0, transfererr.NewMalformedFrameError(token, "not an unsigned 32-bit integer")
	}
	return uint32(value), nil
}

func FormatSeq(seq uint32) string {
	return strconv.FormatUint(uint64(seq), 10)
}
