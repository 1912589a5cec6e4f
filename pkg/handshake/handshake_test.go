package handshake

import (
	"net"
	"testing"
	"time"

	"github.com/fr3shw3b/seqstream/pkg/sequence"
	"github.com/fr3shw3b/seqstream/pkg/transfererr"
	"github.com/fr3shw3b/seqstream/pkg/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTotal = 1000

func Test_choose_hello_forces_fresh_at_the_start_and_near_completion(t *testing.T) {
	assert.Equal(t, Syn, ChooseHello(0, testTotal))
	assert.Equal(t, Syn, ChooseHello(9, testTotal))
	assert.Equal(t, Rcn, ChooseHello(10, testTotal))
	assert.Equal(t, Rcn, ChooseHello(990, testTotal))
	assert.Equal(t, Syn, ChooseHello(991, testTotal))
}

func Test_resumable_window_of_server_counters(t *testing.T) {
	assert.False(t, Resumable(9, testTotal))
	assert.True(t, Resumable(10, testTotal))
	assert.True(t, Resumable(990, testTotal))
	assert.False(t, Resumable(991, testTotal))
}

func Test_parse_hello(t *testing.T) {
	hello, err := ParseHello("RCN client-7")
	require.NoError(t, err)
	assert.Equal(t, Hello{Kind: Rcn, ClientID: "client-7"}, hello)

	for _, line := range []string{"", "SYN", "HELLO client", "SYN a b", "NEW client"} {
		_, err := ParseHello(line)
		assert.ErrorIs(t, err, transfererr.ErrProtocol, "line %q", line)
	}
}

func Test_resume_state_round_trips_exactly(t *testing.T) {
	state := ResumeState{AckedCount: 123456, CurrentSeq: 65532}

	encoded, err := state.Encode()
	require.NoError(t, err)
	assert.Equal(t, `{"ackedCount":123456,"currentSeq":65532}`, encoded)

	decoded, err := DecodeResumeState(encoded, sequence.DefaultSpace())
	require.NoError(t, err)
	assert.Equal(t, state, decoded)
}

func Test_resume_state_rejects_anything_outside_the_schema(t *testing.T) {
	lines := []string{
		`{"pkt_rec_cnt": 10, "seq_num": 4}`,
		`{"ackedCount": 10}`,
		`{"ackedCount": 10, "currentSeq": 4, "extra": 1}`,
		`{"ackedCount": -1, "currentSeq": 4}`,
		`{"ackedCount": 10, "currentSeq": 6}`,
		`{"ackedCount": 10, "currentSeq": 4} trailing`,
		`{"ackedCount": "10", "currentSeq": 4}`,
		`__import__('os')`,
	}

	for _, line := range lines {
		_, err := DecodeResumeState(line, sequence.DefaultSpace())
		assert.ErrorIs(t, err, transfererr.ErrProtocol, "line %s", line)
	}
}

func Test_fresh_client_gets_a_new_session(t *testing.T) {
	clientOutcome, serverOutcome, clientErr, serverErr := negotiate(t, ResumeState{}, nil)

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	assert.Equal(t, ModeFresh, clientOutcome.Mode)
	assert.Equal(t, ModeFresh, serverOutcome.Mode)
}

func Test_syn_with_resumable_server_counters_resumes_from_the_server(t *testing.T) {
	// Near completion the client says SYN, the server still holds resumable counters.
	local := ResumeState{AckedCount: 995, CurrentSeq: 3980}
	tracked := &ResumeState{AckedCount: 500, CurrentSeq: 2000}

	clientOutcome, serverOutcome, clientErr, serverErr := negotiate(t, local, tracked)

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	assert.Equal(t, ModeResumed, clientOutcome.Mode)
	assert.Equal(t, *tracked, clientOutcome.State)
	assert.Equal(t, ModeResumed, serverOutcome.Mode)
}

func Test_rcn_pushes_client_counters_to_the_server(t *testing.T) {
	local := ResumeState{AckedCount: 400, CurrentSeq: 1600}

	clientOutcome, serverOutcome, clientErr, serverErr := negotiate(t, local, nil)

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	assert.Equal(t, ModePushed, clientOutcome.Mode)
	assert.Equal(t, ModePushed, serverOutcome.Mode)
	assert.Equal(t, local, serverOutcome.State)
}

func Test_syn_with_unresumable_server_counters_starts_fresh(t *testing.T) {
	tracked := &ResumeState{AckedCount: 5, CurrentSeq: 20}

	clientOutcome, _, clientErr, serverErr := negotiate(t, ResumeState{AckedCount: 3}, tracked)

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	assert.Equal(t, ModeFresh, clientOutcome.Mode)
}

func Test_client_aborts_on_unexpected_reply(t *testing.T) {
	serverSide, clientSide := pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	go func() {
		framer := wire.NewFramer(serverSide)
		framer.ReadLine(time.Second)
		framer.WriteLine("MAYBE")
	}()

	negotiator := NewNegotiator(testParams(), testLogger())
	_, err := negotiator.Client(wire.NewFramer(clientSide), "client-1", ResumeState{}, testTotal)

	assert.ErrorIs(t, err, transfererr.ErrProtocol)
	assert.Equal(t, StateAborted, negotiator.State())
}

func Test_server_aborts_on_bad_snapshot_request(t *testing.T) {
	serverSide, clientSide := pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	go func() {
		framer := wire.NewFramer(clientSide)
		framer.ReadLine(time.Second)
		framer.WriteLine("GIMME")
	}()

	negotiator := NewNegotiator(testParams(), testLogger())
	tracked := &ResumeState{AckedCount: 100, CurrentSeq: 400}
	_, err := negotiator.Respond(wire.NewFramer(serverSide), Hello{Kind: Syn, ClientID: "client-1"}, tracked, testTotal)

	assert.ErrorIs(t, err, transfererr.ErrProtocol)
	assert.Equal(t, StateAborted, negotiator.State())
}

func negotiate(t *testing.T, local ResumeState, tracked *ResumeState) (Outcome, Outcome, error, error) {
	serverSide, clientSide := pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	type result struct {
		outcome Outcome
		err     error
	}
	serverResult := make(chan result, 1)
	go func() {
		negotiator := NewNegotiator(testParams(), testLogger())
		framer := wire.NewFramer(serverSide)
		hello, err := negotiator.AwaitHello(framer)
		if err != nil {
			serverResult <- result{err: err}
			return
		}
		outcome, err := negotiator.Respond(framer, hello, tracked, testTotal)
		if err == nil {
			assert.Equal(t, StateActive, negotiator.State())
		}
		serverResult <- result{outcome: outcome, err: err}
	}()

	negotiator := NewNegotiator(testParams(), testLogger())
	clientOutcome, clientErr := negotiator.Client(wire.NewFramer(clientSide), "client-1", local, testTotal)
	if clientErr == nil {
		assert.Equal(t, StateActive, negotiator.State())
	}

	select {
	case server := <-serverResult:
		return clientOutcome, server.outcome, clientErr, server.err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server side of the handshake")
	}
	return Outcome{}, Outcome{}, nil, nil
}

func pipe() (wire.Stream, wire.Stream) {
	a, b := net.Pipe()
	return wire.NewTCPStream(a), wire.NewTCPStream(b)
}

func testParams() *NegotiatorParams {
	return &NegotiatorParams{Space: sequence.DefaultSpace(), Timeout: 2 * time.Second}
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger)
}
