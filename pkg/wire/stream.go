package wire

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/fr3shw3b/seqstream/pkg/transfererr"
	"github.com/pkg/errors"
)

// Transports the protocol can run over.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// ValidTransport reports whether name is a transport Dial supports.
func ValidTransport(name string) bool {
	return name == TransportTCP || name == TransportWebSocket
}

// Stream is the byte-stream transport the protocol runs over. Record
// boundaries are not preserved: a write may arrive split across several
// reads or merged with the next one.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	// Peer describes the remote end, for logging.
	Peer() string
}

type tcpStream struct {
	conn net.Conn
}

// NewTCPStream wraps an established TCP connection.
func NewTCPStream(conn net.Conn) Stream {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(15 * time.Second)
	}
	return &tcpStream{conn: conn}
}

func (s *tcpStream) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

func (s *tcpStream) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

func (s *tcpStream) Close() error {
	return s.conn.Close()
}

func (s *tcpStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *tcpStream) Peer() string {
	return s.conn.RemoteAddr().String()
}

// DialTCP connects to addr, giving up after timeout.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (Stream, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, transfererr.NewConnectError(addr, err)
	}
	return NewTCPStream(conn), nil
}

// ListenTCP acquires the server's listening endpoint.
func ListenTCP(addr string) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, transfererr.NewBindError(addr, errors.Wrap(err, "listen"))
	}
	return listener, nil
}

// Dial connects to the server over the named transport.
func Dial(ctx context.Context, transport string, host string, port int, timeout time.Duration) (Stream, error) {
	switch transport {
	case TransportTCP, "":
		return DialTCP(ctx, net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	case TransportWebSocket:
		return DialWebSocket(ctx, host, port, timeout)
	}
	return nil, transfererr.NewConnectError(host, fmt.Errorf("unsupported transport %q", transport))
}
