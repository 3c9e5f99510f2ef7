package ndjson

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdclab/internal/types"
)

// Sink writes one JSON envelope per line.
type Sink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	logger *zap.Logger
}

func New(path string, logger *zap.Logger) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("ndjson sink: %w", err)
	}
	logger.Info("Creating NDJSON sink", zap.String("path", path))
	return NewWriter(f, logger), nil
}

// NewWriter wraps w. If w is an io.Closer it is closed with the sink.
func NewWriter(w io.Writer, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{w: bufio.NewWriter(w), logger: logger}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *Sink) Publish(_ context.Context, events []types.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event %d: %w", ev.Sequence, err)
		}
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	s.logger.Debug("Exported events", zap.Int("events", len(events)))
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
