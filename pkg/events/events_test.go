package events

import (
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_dispatcher_delivers_every_record_to_every_sink_before_close_returns(t *testing.T) {
	first := NewMemorySink()
	second := NewMemorySink()
	dispatcher := NewDispatcher(&DispatcherParams{BufferSize: 64}, createLogger(), first, second)

	now := time.Now()
	for i := 0; i < 50; i += 1 {
		dispatcher.Emit(ReceiveEvent{ClientID: "client", Seq: uint32(i * 4), At: now})
	}
	require.NoError(t, dispatcher.Close())

	assert.Len(t, first.Records(), 50)
	assert.Len(t, second.Records(), 50)
	assert.Equal(t, int64(0), dispatcher.Dropped())
}

func Test_dispatcher_ignores_records_after_close(t *testing.T) {
	sink := NewMemorySink()
	dispatcher := NewDispatcher(&DispatcherParams{}, createLogger(), sink)
	require.NoError(t, dispatcher.Close())

	dispatcher.Emit(AckEvent{ClientID: "client", Seq: 4, At: time.Now()})

	assert.Empty(t, sink.Records())
	assert.NoError(t, dispatcher.Close())
}

func Test_dispatcher_drops_records_instead_of_blocking_on_a_stalled_sink(t *testing.T) {
	release := make(chan struct{})
	sink := &blockingSink{release: release}
	dispatcher := NewDispatcher(&DispatcherParams{BufferSize: 1}, createLogger(), sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i += 1 {
			dispatcher.Emit(AckEvent{ClientID: "client", Seq: uint32(i), At: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("emit blocked on a stalled sink")
	}
	assert.Greater(t, dispatcher.Dropped(), int64(0))

	close(release)
	require.NoError(t, dispatcher.Close())
}

func Test_window_samples_are_routed_by_side(t *testing.T) {
	send := WindowSample{Side: SideSend, Size: 3}
	receive := WindowSample{Side: SideReceive, Size: 8192}

	assert.Equal(t, KindSendWindow, send.Kind())
	assert.Equal(t, KindReceiveWindow, receive.Kind())
	assert.Equal(t, []string{"client", "recv_win", "timestamp"}, receive.Header())
}

func Test_efficiency_sample_ratio(t *testing.T) {
	sample := NewEfficiencySample("client", 900, 100, time.Now())
	assert.InDelta(t, 0.9, sample.Efficiency, 1e-9)
	assert.Equal(t, "1000", sample.Row()[2])

	empty := NewEfficiencySample("client", 0, 0, time.Now())
	assert.Equal(t, 0.0, empty.Efficiency)
}

func Test_csv_sink_writes_header_once_per_kind(t *testing.T) {
	sink, err := NewCSVSink(t.TempDir())
	require.NoError(t, err)

	at := time.Unix(1744785101, 0)
	require.NoError(t, sink.Write(DropEvent{ClientID: "c1", Seq: 12, Cycle: 2, At: at}))
	require.NoError(t, sink.Write(DropEvent{ClientID: "c1", Seq: 16, Cycle: 2, At: at}))
	require.NoError(t, sink.Write(WindowSample{ClientID: "c1", Side: SideSend, Size: 4, At: at}))
	require.NoError(t, sink.Close())

	drops := readCSV(t, sink.Path(KindDrop))
	require.Len(t, drops, 3)
	assert.Equal(t, []string{"client", "sid", "cycle", "tstamp"}, drops[0])
	assert.Equal(t, []string{"c1", "12", "2", "1744785101.000000"}, drops[1])

	windows := readCSV(t, sink.Path(KindSendWindow))
	require.Len(t, windows, 2)
	assert.Equal(t, "4", windows[1][1])
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Write(Record) error {
	<-s.release
	return nil
}

func (s *blockingSink) Close() error {
	return nil
}

func readCSV(t *testing.T, path string) [][]string {
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	return rows
}

func createLogger() *logrus.Logger {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02T15:04:05.999999999Z07:00"
	customFormatter.FullTimestamp = true
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(customFormatter)
	return logger
}
