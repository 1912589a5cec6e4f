package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fr3shw3b/seqstream/pkg/client"
	"github.com/fr3shw3b/seqstream/pkg/events"
	"github.com/fr3shw3b/seqstream/pkg/retry"
	"github.com/fr3shw3b/seqstream/pkg/sequence"
	"github.com/fr3shw3b/seqstream/pkg/sessions"
	"github.com/fr3shw3b/seqstream/pkg/transfererr"
	"github.com/fr3shw3b/seqstream/pkg/window"
	"github.com/fr3shw3b/seqstream/pkg/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_zero_loss_transfer_exchanges_one_frame_per_window(t *testing.T) {
	server := createTestServer(t, 20)

	params := createClientParams(server, 20)
	params.InitialWindow = 4
	params.WindowCap = 4
	transfer := client.NewDefaultClient(params, events.Discard{}, createLogger())

	require.NoError(t, transfer.Connect(context.Background()))
	result := transfer.Result()

	assert.True(t, result.Completed)
	assert.Equal(t, int64(20), result.Sent)
	assert.Equal(t, int64(5), result.Frames)
	assert.Equal(t, int64(20), result.Acks)
	assert.Equal(t, int64(0), result.Drops)
	assert.Equal(t, 0, result.RetryPending)
	assert.Equal(t, [retry.TierCount]int{}, result.RetryTiers)
	// 20 identifiers of 4 accepted, the next one expected is 21 * 4.
	assert.Equal(t, uint32(84), result.LastAck)

	require.Eventually(t, func() bool {
		return server.store.Stats().Completed == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(20), server.store.Stats().Accepted)
}

func Test_lossy_transfer_over_websockets_completes(t *testing.T) {
	server := createTestServer(t, 2000)
	httpServer := httptest.NewServer(server.manager.Router(server.ctx))
	defer httpServer.Close()

	serverURL, err := url.Parse(httpServer.URL)
	require.NoError(t, err)
	port, _ := strconv.Atoi(serverURL.Port())

	params := createClientParams(server, 2000)
	params.ServerHost = serverURL.Hostname()
	params.ServerPort = port
	params.Transport = wire.TransportWebSocket
	params.Loss = client.NewProbabilisticLoss(0.02, 42)
	sink := events.NewMemorySink()
	transfer := client.NewDefaultClient(params, sink, createLogger())

	require.NoError(t, transfer.Connect(context.Background()))
	result := transfer.Result()

	assert.True(t, result.Completed)
	assert.Equal(t, int64(2000), result.Sent)
	assert.Equal(t, 0, result.RetryPending)
	assert.Greater(t, result.Drops, int64(0))
	assert.Greater(t, result.RetryTiers[0], 0)
	assert.Len(t, sink.OfKind(events.KindDrop), int(result.Drops))

	require.Eventually(t, func() bool {
		return server.store.Stats().Completed == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(2000), server.store.Stats().Accepted)
}

func Test_concurrent_clients_are_served_independently(t *testing.T) {
	server := createTestServer(t, 1000)

	var wg sync.WaitGroup
	results := make([]client.Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params := createClientParams(server, 1000)
			params.ClientID = "client-" + strconv.Itoa(i)
			params.Loss = client.NewProbabilisticLoss(0.01, int64(i))
			transfer := client.NewDefaultClient(params, events.Discard{}, createLogger())
			assert.NoError(t, transfer.Connect(context.Background()))
			results[i] = transfer.Result()
		}(i)
	}
	wg.Wait()

	for _, result := range results {
		assert.True(t, result.Completed, "client %s", result.ClientID)
		assert.Equal(t, int64(1000), result.Sent)
	}
	require.Eventually(t, func() bool {
		return server.store.Stats().Completed == 4
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(4000), server.store.Stats().Accepted)
}

func Test_restarted_client_resumes_from_server_counters(t *testing.T) {
	server := createTestServer(t, 1000)

	interrupt, cancel := context.WithCancel(context.Background())
	defer cancel()
	attempts := 0
	params := createClientParams(server, 1000)
	params.ClientID = "resumer"
	params.InitialWindow = 8
	params.WindowCap = 8
	params.Loss = client.LossFunc(func(retry.Entry) bool {
		attempts += 1
		if attempts == 200 {
			cancel()
		}
		return false
	})
	first := client.NewDefaultClient(params, events.Discard{}, createLogger())
	require.NoError(t, first.Connect(interrupt))
	require.True(t, first.Result().Interrupted)
	sentBefore := first.Result().Sent

	require.Eventually(t, func() bool {
		stats := server.store.Stats()
		return stats.Active == 0 && stats.Parked == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, sentBefore, server.store.Stats().Accepted)

	// A new process for the same client id starts with nothing sent, so
	// it asks for a fresh session and the server offers its own counters.
	resumed := createClientParams(server, 1000)
	resumed.ClientID = "resumer"
	second := client.NewDefaultClient(resumed, events.Discard{}, createLogger())
	require.NoError(t, second.Connect(context.Background()))
	result := second.Result()

	assert.True(t, result.Completed)
	assert.Equal(t, int64(1000), result.Sent)
	assert.Equal(t, 1000-sentBefore, result.Attempts)
	require.Eventually(t, func() bool {
		return server.store.Stats().Completed == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func Test_malformed_tokens_are_discarded_and_the_rest_acknowledged(t *testing.T) {
	server := createTestServer(t, 100)

	stream, err := wire.DialTCP(context.Background(), server.addr, time.Second)
	require.NoError(t, err)
	defer stream.Close()
	framer := wire.NewFramer(stream)

	require.NoError(t, framer.WriteLine("SYN raw-client"))
	reply, err := framer.ReadLine(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "NEW", reply)

	require.NoError(t, framer.WriteLine("4,abc,8"))
	assert.Equal(t, []string{"8", "12"}, readTokens(t, framer, 2))

	require.NoError(t, framer.WriteLine(wire.Terminate))
	require.Eventually(t, func() bool {
		stats := server.store.Stats()
		return stats.Parked == 1 && stats.Accepted == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func Test_unknown_hello_aborts_the_connection(t *testing.T) {
	server := createTestServer(t, 100)

	stream, err := wire.DialTCP(context.Background(), server.addr, time.Second)
	require.NoError(t, err)
	defer stream.Close()
	framer := wire.NewFramer(stream)

	require.NoError(t, framer.WriteLine("HELLO raw-client"))
	_, err = framer.ReadLine(2 * time.Second)
	assert.ErrorIs(t, err, transfererr.ErrTransport)
	assert.Equal(t, sessions.Stats{}, server.store.Stats())
}

func Test_shutdown_sends_fin_to_active_sessions(t *testing.T) {
	server := createTestServer(t, 100)

	stream, err := wire.DialTCP(context.Background(), server.addr, time.Second)
	require.NoError(t, err)
	defer stream.Close()
	framer := wire.NewFramer(stream)

	require.NoError(t, framer.WriteLine("SYN raw-client"))
	_, err = framer.ReadLine(2 * time.Second)
	require.NoError(t, err)

	server.cancel()
	assert.Equal(t, []string{wire.Fin}, readTokens(t, framer, 1))
	server.manager.Wait()
	assert.Equal(t, int64(1), server.store.Stats().Parked)
}

func Test_stats_endpoint_reports_registry_aggregates(t *testing.T) {
	server := createTestServer(t, 20)
	httpServer := httptest.NewServer(server.manager.StatsRouter())
	defer httpServer.Close()

	params := createClientParams(server, 20)
	transfer := client.NewDefaultClient(params, events.Discard{}, createLogger())
	require.NoError(t, transfer.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return server.store.Stats().Completed == 1
	}, 5*time.Second, 20*time.Millisecond)

	response, err := http.Get(httpServer.URL + StatsPath)
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusOK, response.StatusCode)

	stats := sessions.Stats{}
	require.NoError(t, json.NewDecoder(response.Body).Decode(&stats))
	assert.Equal(t, sessions.Stats{Accepted: 20, Completed: 1, MeanEfficiency: 1}, stats)
}

func Test_receive_events_and_efficiency_are_reported_in_batches(t *testing.T) {
	sink := events.NewMemorySink()
	server := createTestServerWithEmitter(t, 1200, sink)

	params := createClientParams(server, 1200)
	params.InitialWindow = 100
	params.WindowCap = 100
	transfer := client.NewDefaultClient(params, events.Discard{}, createLogger())
	require.NoError(t, transfer.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return server.store.Stats().Completed == 1
	}, 5*time.Second, 20*time.Millisecond)

	received := sink.OfKind(events.KindReceive)
	require.Len(t, received, 1200)
	assert.Equal(t, uint32(4), received[0].(events.ReceiveEvent).Seq)
	assert.Equal(t, uint32(4800), received[1199].(events.ReceiveEvent).Seq)

	// One sample after the first 1000 identifiers, one for the rest on
	// completion.
	samples := sink.OfKind(events.KindEfficiency)
	require.Len(t, samples, 2)
	assert.Equal(t, 1000, samples[0].(events.EfficiencySample).Received)
	assert.Equal(t, 200, samples[1].(events.EfficiencySample).Received)
	assert.Equal(t, 1.0, samples[1].(events.EfficiencySample).Efficiency)
	assert.Equal(t, 1.0, server.store.Stats().MeanEfficiency)
}

func Test_idle_session_is_polled_then_parked(t *testing.T) {
	server := createTestServer(t, 100)

	stream, err := wire.DialTCP(context.Background(), server.addr, time.Second)
	require.NoError(t, err)
	defer stream.Close()
	framer := wire.NewFramer(stream)

	require.NoError(t, framer.WriteLine("SYN idle-client"))
	reply, err := framer.ReadLine(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "NEW", reply)

	require.NoError(t, framer.WriteLine("4"))
	assert.Equal(t, []string{"8"}, readTokens(t, framer, 1))

	// A few read timeouts only make the server poll again.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, int64(1), server.store.Stats().Active)
	require.NoError(t, framer.WriteLine("8"))
	assert.Equal(t, []string{"12"}, readTokens(t, framer, 1))

	require.Eventually(t, func() bool {
		stats := server.store.Stats()
		return stats.Active == 0 && stats.Parked == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(2), server.store.Stats().Accepted)
}

func Test_broken_connection_resumes_without_losing_identifiers(t *testing.T) {
	sink := events.NewMemorySink()
	server := createTestServerWithEmitter(t, 500, sink)

	minted := map[uint32]bool{}
	loss := client.NewProbabilisticLoss(0.05, 7)
	params := createClientParams(server, 500)
	params.ClientID = "reconnecting-client"
	params.Loss = client.LossFunc(func(entry retry.Entry) bool {
		minted[entry.Seq] = true
		return loss.Lost(entry)
	})
	dials := 0
	params.Dial = func(ctx context.Context) (wire.Stream, error) {
		dials += 1
		conn, err := net.Dial("tcp", server.addr)
		if err != nil {
			return nil, err
		}
		if dials == 1 {
			return &breakingStream{Stream: wire.NewTCPStream(conn), conn: conn.(*net.TCPConn), breakAfter: 50}, nil
		}
		return wire.NewTCPStream(conn), nil
	}
	transfer := client.NewDefaultClient(params, events.Discard{}, createLogger())

	require.NoError(t, transfer.Connect(context.Background()))
	result := transfer.Result()
	assert.True(t, result.Completed)
	assert.Equal(t, int64(500), result.Sent)
	assert.Equal(t, 0, result.RetryPending)
	assert.Equal(t, 1, result.Reconnects)
	assert.Greater(t, result.Drops, int64(0))

	require.Eventually(t, func() bool {
		return server.store.Stats().Completed == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(500), server.store.Stats().Accepted)

	observed := map[uint32]bool{}
	for _, record := range sink.OfKind(events.KindReceive) {
		observed[record.(events.ReceiveEvent).Seq] = true
	}
	assert.Len(t, minted, 500)
	assert.Equal(t, minted, observed)
}

// breakingStream fails the first data frame written after breakAfter
// identifiers went out. It half-closes the connection and waits for the
// server to hang up, so everything written before is processed.
type breakingStream struct {
	wire.Stream
	conn       *net.TCPConn
	breakAfter int
	written    int
}

func (s *breakingStream) Write(p []byte) (int, error) {
	isFrame := len(p) > 0 && p[0] >= '0' && p[0] <= '9'
	if isFrame && s.written >= s.breakAfter {
		s.conn.CloseWrite()
		s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		io.Copy(io.Discard, s.conn)
		return 0, transfererr.NewTransportError("write", net.ErrClosed)
	}
	if isFrame {
		s.written += bytes.Count(p, []byte(wire.Separator)) + 1
	}
	return s.Stream.Write(p)
}

type testServer struct {
	manager *SessionManager
	store   sessions.SessionStore
	addr    string
	ctx     context.Context
	cancel  context.CancelFunc
}

func createTestServer(t *testing.T, total int64) *testServer {
	return createTestServerWithEmitter(t, total, events.Discard{})
}

func createTestServerWithEmitter(t *testing.T, total int64, emitter events.Emitter) *testServer {
	logger := createLogger()
	store := sessions.NewInMemoryStore(&sessions.InMemoryStoreParams{
		ExpireAfterIdleTime: time.Minute,
	}, logger)
	manager := NewSessionManager(&ServerParams{
		Space:            sequence.DefaultSpace(),
		Total:            total,
		ReadTimeout:      200 * time.Millisecond,
		MaxIdlePolls:     10,
		HandshakeTimeout: 2 * time.Second,
		InitialWidth:     window.DefaultReceiveWidth,
		MinWidth:         window.DefaultMinWidth,
		MaxWidth:         window.DefaultMaxWidth,
	}, store, emitter, logger)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go manager.Serve(ctx, listener)
	t.Cleanup(func() {
		cancel()
		manager.Wait()
	})

	return &testServer{
		manager: manager,
		store:   store,
		addr:    listener.Addr().String(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func createClientParams(server *testServer, total int64) *client.ClientParams {
	host, portStr, _ := net.SplitHostPort(server.addr)
	port, _ := strconv.Atoi(portStr)
	return &client.ClientParams{
		ServerHost:           host,
		ServerPort:           port,
		Transport:            wire.TransportTCP,
		ClientID:             "client-test",
		Space:                sequence.DefaultSpace(),
		Total:                total,
		InitialWindow:        1,
		WindowCap:            window.DefaultCap,
		AckTimeout:           2 * time.Second,
		HandshakeTimeout:     2 * time.Second,
		MaxReconnectAttempts: 5,
		InitialBackoff:       10 * time.Millisecond,
		MaxBackoff:           100 * time.Millisecond,
	}
}

func readTokens(t *testing.T, framer *wire.Framer, count int) []string {
	var tokens []string
	deadline := time.Now().Add(2 * time.Second)
	for len(tokens) < count && time.Now().Before(deadline) {
		read, err := framer.ReadTokens(512, 2*time.Second)
		require.NoError(t, err)
		tokens = append(tokens, read...)
	}
	return tokens
}

func createLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.DebugLevel)
	return logger
}
