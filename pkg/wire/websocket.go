package wire

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/fr3shw3b/seqstream/pkg/transfererr"
	"github.com/gorilla/websocket"
)

// StreamPath is the HTTP path the WebSocket transport is served on.
const StreamPath = "/stream"

// Custom WebSocket close codes.
// https://www.rfc-editor.org/rfc/rfc6455#section-7.4.2
const (
	CloseCodeProtocolViolation int = 4001
	CloseCodeTransferComplete  int = 4002
)

var codeNameMap = map[int]string{
	CloseCodeProtocolViolation: "CloseCodeProtocolViolation",
	CloseCodeTransferComplete:  "CloseCodeTransferComplete",
}

func CloseCodeName(code int) string {
	name, exists := codeNameMap[code]
	if exists {
		return name
	}
	return "UnknownCode"
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// No need for strict CORS checking, the protocol has no browser clients.
		return true
	},
}

// wsStream presents a WebSocket connection as a byte stream. Messages are
// pumped by a goroutine so a read deadline can expire without breaking
// the connection, which gorilla/websocket would otherwise do.
type wsStream struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	messages chan []byte
	closed   chan struct{}
	// readErr is written before messages is closed.
	readErr   error
	current   []byte
	mu        sync.Mutex
	deadline  time.Time
	closeOnce sync.Once
}

func newWSStream(conn *websocket.Conn) *wsStream {
	s := &wsStream{
		conn:     conn,
		messages: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// Upgrade accepts a WebSocket connection on an HTTP request.
func Upgrade(w http.ResponseWriter, r *http.Request) (Stream, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, transfererr.NewTransportError("websocket upgrade", err)
	}
	return newWSStream(conn), nil
}

// DialWebSocket connects to the server's WebSocket transport.
func DialWebSocket(ctx context.Context, host string, port int, timeout time.Duration) (Stream, error) {
	endpoint := url.URL{
		// todo: support TLS.
		Scheme: "ws",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   StreamPath,
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = timeout

	conn, _, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, transfererr.NewConnectError(endpoint.String(), err)
	}
	return newWSStream(conn), nil
}

func (s *wsStream) pump() {
	defer close(s.messages)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if _, isClose := err.(*websocket.CloseError); isClose {
				err = io.EOF
			}
			s.readErr = err
			return
		}
		select {
		case s.messages <- data:
		case <-s.closed:
			return
		}
	}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for len(s.current) == 0 {
		var expired <-chan time.Time
		if deadline := s.readDeadline(); !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, timeoutError{}
			}
			timer := time.NewTimer(wait)
			defer timer.Stop()
			expired = timer.C
		}

		select {
		case data, ok := <-s.messages:
			if !ok {
				if s.readErr != nil {
					return 0, s.readErr
				}
				return 0, io.EOF
			}
			s.current = data
		case <-expired:
			return 0, timeoutError{}
		case <-s.closed:
			return 0, io.EOF
		}
	}

	n := copy(p, s.current)
	s.current = s.current[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
	return nil
}

func (s *wsStream) readDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

func (s *wsStream) Peer() string {
	return s.conn.RemoteAddr().String()
}

func (s *wsStream) Close() error {
	return s.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode sends a close frame carrying code and reason before
// closing the connection.
func (s *wsStream) CloseWithCode(code int, reason string) error {
	err := error(nil)
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			// This deadline could be made configurable.
			time.Now().Add(1*time.Second),
		)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// Abort closes stream after a protocol violation, telling a WebSocket
// peer why.
func Abort(stream Stream, reason string) error {
	return closeWithCode(stream, CloseCodeProtocolViolation, reason)
}

// Finish closes stream once the transfer is complete.
func Finish(stream Stream) error {
	return closeWithCode(stream, CloseCodeTransferComplete, "transfer complete")
}

func closeWithCode(stream Stream, code int, reason string) error {
	if ws, ok := stream.(*wsStream); ok {
		return ws.CloseWithCode(code, reason)
	}
	return stream.Close()
}

// timeoutError is returned when a read deadline passes with no message.
type timeoutError struct{}

func (timeoutError) Error() string   { return "websocket read deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (timeoutError) Is(target error) bool { return target == os.ErrDeadlineExceeded }
