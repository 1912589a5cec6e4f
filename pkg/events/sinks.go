package events

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CSVSink appends each record kind to its own CSV file in a directory,
// named <kind>_<unix seconds>.csv.
type CSVSink struct {
	mu      sync.Mutex
	dir     string
	stamp   int64
	files   map[Kind]*os.File
	writers map[Kind]*csv.Writer
}

func NewCSVSink(dir string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create event log directory %s", dir)
	}
	return &CSVSink{
		dir:     dir,
		stamp:   time.Now().Unix(),
		files:   map[Kind]*os.File{},
		writers: map[Kind]*csv.Writer{},
	}, nil
}

func (s *CSVSink) Write(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	writer, err := s.writerFor(record)
	if err != nil {
		return err
	}
	if err := writer.Write(record.Row()); err != nil {
		return errors.Wrapf(err, "write %s record", record.Kind())
	}
	writer.Flush()
	return writer.Error()
}

// Path returns the file a kind is written to.
func (s *CSVSink) Path(kind Kind) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%d.csv", kind, s.stamp))
}

func (s *CSVSink) writerFor(record Record) (*csv.Writer, error) {
	kind := record.Kind()
	if writer, exists := s.writers[kind]; exists {
		return writer, nil
	}

	file, err := os.OpenFile(s.Path(kind), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s log", kind)
	}
	writer := csv.NewWriter(file)
	if err := writer.Write(record.Header()); err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "write %s header", kind)
	}

	s.files[kind] = file
	s.writers[kind] = writer
	return writer, nil
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for kind, writer := range s.writers {
		writer.Flush()
		if err := writer.Error(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.files[kind].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.files = map[Kind]*os.File{}
	s.writers = map[Kind]*csv.Writer{}
	return firstErr
}

// LogSink forwards records to a logger at debug level.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(record Record) error {
	header := record.Header()
	row := record.Row()
	fields := logrus.Fields{}
	for i := range header {
		fields[header[i]] = row[i]
	}
	s.logger.WithFields(fields).Debug(string(record.Kind()))
	return nil
}

func (s *LogSink) Close() error {
	return nil
}

// MemorySink keeps every record it is given.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// Emit lets a MemorySink be used directly as an Emitter.
func (s *MemorySink) Emit(record Record) {
	s.Write(record)
}

func (s *MemorySink) Close() error {
	return nil
}

func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *MemorySink) OfKind(kind Kind) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	matching := []Record{}
	for _, record := range s.records {
		if record.Kind() == kind {
			matching = append(matching, record)
		}
	}
	return matching
}
