package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdclab/internal/types"
)

type topic struct {
	events     []types.ChangeEvent
	lastOffset int64
}

// Bus is an in-memory, per-topic FIFO. Reads are destructive: there is no replay.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	logger *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{topics: make(map[string]*topic), logger: logger}
}

func (b *Bus) topic(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{}
		b.topics[name] = t
	}
	return t
}

// Publish stamps each event with the next offset of the topic, appends the batch and
// returns the stamped copy.
func (b *Bus) Publish(name string, batch []types.ChangeEvent) []types.ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(name)
	out := make([]types.ChangeEvent, len(batch))
	for i, ev := range batch {
		t.lastOffset++
		ev.Offset = t.lastOffset
		out[i] = ev
	}
	t.events = append(t.events, out...)
	b.logger.Debug("Published batch",
		zap.String("topic", name),
		zap.Int("events", len(out)),
		zap.Int64("last_offset", t.lastOffset))
	return append([]types.ChangeEvent(nil), out...)
}

// Consume removes and returns up to limit events from the front of the topic.
func (b *Bus) Consume(name string, limit int) []types.ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok || limit <= 0 || len(t.events) == 0 {
		return nil
	}
	if limit > len(t.events) {
		limit = len(t.events)
	}
	out := append([]types.ChangeEvent(nil), t.events[:limit]...)
	t.events = t.events[limit:]
	return out
}

func (b *Bus) Size(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return len(t.events)
	}
	return 0
}

// Reset clears the named topics and their offset counters, or every topic when none
// is given.
func (b *Bus) Reset(names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(names) == 0 {
		b.topics = make(map[string]*topic)
		b.logger.Debug("Reset all topics")
		return
	}
	for _, n := range names {
		delete(b.topics, n)
		b.logger.Debug("Reset topic", zap.String("topic", n))
	}
}
