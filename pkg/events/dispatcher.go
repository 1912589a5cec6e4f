package events

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const DefaultBufferSize = 4096

// Sink persists records. Write is only ever called from the single
// writer goroutine the Dispatcher owns for the sink.
type Sink interface {
	Write(record Record) error
	Close() error
}

type DispatcherParams struct {
	// Capacity of each sink's queue, records are dropped when it is full.
	BufferSize int
}

// Dispatcher fans records out to sinks. Emit never blocks: each sink has
// its own bounded queue drained by one goroutine.
type Dispatcher struct {
	mu      sync.RWMutex
	closed  bool
	workers []*sinkWorker
	dropped atomic.Int64
	logger  *logrus.Logger
}

type sinkWorker struct {
	sink  Sink
	queue chan Record
	done  chan struct{}
}

func NewDispatcher(params *DispatcherParams, logger *logrus.Logger, sinks ...Sink) *Dispatcher {
	bufferSize := params.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	d := &Dispatcher{logger: logger}
	for _, sink := range sinks {
		worker := &sinkWorker{
			sink:  sink,
			queue: make(chan Record, bufferSize),
			done:  make(chan struct{}),
		}
		d.workers = append(d.workers, worker)
		go d.drain(worker)
	}
	return d
}

func (d *Dispatcher) Emit(record Record) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}

	for _, worker := range d.workers {
		select {
		case worker.queue <- record:
		default:
			d.dropped.Add(1)
		}
	}
}

// Dropped is the number of records discarded because a sink queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting records, waits for every queued record to be
// written and closes the sinks.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, worker := range d.workers {
		close(worker.queue)
	}
	d.mu.Unlock()

	var errs []error
	for _, worker := range d.workers {
		<-worker.done
		if err := worker.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if dropped := d.dropped.Load(); dropped > 0 {
		d.logger.WithField("dropped", dropped).Warn("event queue overflowed, records were discarded")
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) drain(worker *sinkWorker) {
	defer close(worker.done)
	for record := range worker.queue {
		if err := worker.sink.Write(record); err != nil {
			d.logger.WithError(err).WithField("kind", record.Kind()).Warn("failed to write event record")
		}
	}
}
