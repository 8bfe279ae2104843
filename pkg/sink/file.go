package sink

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openquant/tickerd/pkg/log"
	"github.com/openquant/tickerd/pkg/metrics"
	"github.com/openquant/tickerd/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// maxOpenWriters bounds the per-(symbol,kind,date) writer cache
	maxOpenWriters = 128

	writeRetries   = 3
	writeBaseDelay = 100 * time.Millisecond
)

// FileSink writes events as line-delimited JSON, one file per
// (date, symbol, kind) at root/<SYMBOL>/<kind>/<YYYY-MM-DD>.jsonl,
// optionally gzip-compressed. Writes are retried with bounded backoff
// before an error is surfaced as terminal.
type FileSink struct {
	root     string
	compress bool
	logger   zerolog.Logger

	mu      sync.Mutex
	writers map[string]*fileWriter
	closed  bool
}

type fileWriter struct {
	file     *os.File
	gz       *gzip.Writer
	buf      *bufio.Writer
	lastUsed time.Time
}

// NewFileSink creates a file sink rooted at dataRoot
func NewFileSink(dataRoot string, compress bool) *FileSink {
	return &FileSink{
		root:     dataRoot,
		compress: compress,
		logger:   log.WithComponent("file_sink"),
		writers:  make(map[string]*fileWriter),
	}
}

func (s *FileSink) Write(ctx context.Context, batch []types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	var err error
	for attempt := 0; attempt <= writeRetries; attempt++ {
		if attempt > 0 {
			delay := writeBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = s.writeBatch(batch); err == nil {
			return nil
		}
		metrics.SinkWriteErrors.WithLabelValues("retryable").Inc()
		s.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Batch write failed, retrying")
	}

	metrics.SinkWriteErrors.WithLabelValues("terminal").Inc()
	return fmt.Errorf("writing batch after %d attempts: %w", writeRetries+1, err)
}

func (s *FileSink) writeBatch(batch []types.Event) error {
	for i := range batch {
		w, err := s.writerFor(&batch[i])
		if err != nil {
			return err
		}
		line, err := json.Marshal(batch[i])
		if err != nil {
			return err
		}
		if _, err := w.buf.Write(line); err != nil {
			return err
		}
		if err := w.buf.WriteByte('\n'); err != nil {
			return err
		}
		w.lastUsed = time.Now()
	}
	return nil
}

func (s *FileSink) writerFor(ev *types.Event) (*fileWriter, error) {
	symbol := ev.CanonicalSymbol
	if symbol == "" {
		symbol = ev.Symbol
	}
	kind := string(ev.Type)
	if ev.Payload != nil {
		kind = ev.Payload.Kind()
	}
	date := ev.Timestamp.UTC().Format("2006-01-02")

	key := symbol + "|" + kind + "|" + date
	if w, ok := s.writers[key]; ok {
		return w, nil
	}

	if len(s.writers) >= maxOpenWriters {
		s.evictOldest()
	}

	dir := filepath.Join(s.root, symbol, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sink directory: %w", err)
	}

	name := date + ".jsonl"
	if s.compress {
		name += ".gz"
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening sink file: %w", err)
	}

	w := &fileWriter{file: f, lastUsed: time.Now()}
	if s.compress {
		w.gz = gzip.NewWriter(f)
		w.buf = bufio.NewWriter(w.gz)
	} else {
		w.buf = bufio.NewWriter(f)
	}
	s.writers[key] = w
	return w, nil
}

func (s *FileSink) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, w := range s.writers {
		if oldestKey == "" || w.lastUsed.Before(oldest) {
			oldestKey = key
			oldest = w.lastUsed
		}
	}
	if oldestKey != "" {
		if err := s.writers[oldestKey].close(); err != nil {
			s.logger.Warn().Err(err).Str("file", oldestKey).Msg("Failed to close evicted writer")
		}
		delete(s.writers, oldestKey)
	}
}

func (s *FileSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, w := range s.writers {
		if err := w.flush(); err != nil {
			return fmt.Errorf("flushing %s: %w", key, err)
		}
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var first error
	for key, w := range s.writers {
		if err := w.close(); err != nil && first == nil {
			first = fmt.Errorf("closing %s: %w", key, err)
		}
	}
	s.writers = nil
	return first
}

func (w *fileWriter) flush() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.gz != nil {
		if err := w.gz.Flush(); err != nil {
			return err
		}
	}
	return w.file.Sync()
}

func (w *fileWriter) close() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			return err
		}
	}
	return w.file.Close()
}
