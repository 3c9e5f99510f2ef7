package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclab/internal/types"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink publishes consumed change events to a Kafka topic, keyed by table and primary
// key so per-row order is kept within a partition.
type Sink struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func New(brokers []string, topic string, logger *zap.Logger) (*Sink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka sink: brokers and topic are required")
	}
	logger.Info("Creating Kafka sink",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic))

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		Async:        false,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug("Kafka writer log", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("Kafka writer error", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
	}
	return newSink(writer, topic, logger), nil
}

func newSink(w messageWriter, topic string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{writer: w, topic: topic, logger: logger}
}

func (s *Sink) Publish(ctx context.Context, events []types.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("Failed to marshal change event", zap.Error(err), zap.Int64("sequence", ev.Sequence))
			return fmt.Errorf("marshal event %d: %w", ev.Sequence, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Table + ":" + ev.PrimaryKey),
			Value: data,
			Headers: []kafka.Header{
				{Key: "method", Value: []byte(ev.ProducingMethod)},
				{Key: "op", Value: []byte(ev.OpCode)},
			},
		})
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		s.logger.Error("Failed to write messages to Kafka",
			zap.Error(err),
			zap.String("topic", s.topic),
			zap.Int("messages", len(msgs)),
			zap.Duration("duration", time.Since(start)))
		return fmt.Errorf("kafka write: %w", err)
	}
	s.logger.Debug("Messages sent to Kafka",
		zap.String("topic", s.topic),
		zap.Int("messages", len(msgs)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *Sink) Close() error {
	s.logger.Info("Closing Kafka sink")
	if s.writer != nil {
		return s.writer.Close()
	}
	return nil
}
