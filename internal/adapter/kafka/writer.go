package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/couchcryptid/climate-warehouse-etl/internal/pipeline"
	kafkago "github.com/segmentio/kafka-go"
)

// ChunkEvent is the payload published for every committed chunk.
type ChunkEvent struct {
	Source      string               `json:"source"`
	Chunk       pipeline.ChunkResult `json:"chunk"`
	CommittedAt time.Time            `json:"committed_at"`
}

// Publisher announces committed chunks on a Kafka topic so downstream
// consumers can refresh aggregates without polling the warehouse.
// It implements pipeline.ChunkObserver.
type Publisher struct {
	writer *kafkago.Writer
	source string
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a Kafka producer for the chunk topic.
func NewPublisher(brokers []string, topic, source string, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, source: source, logger: logger, now: time.Now}
}

// ChunkCommitted publishes one message describing the committed chunk.
func (p *Publisher) ChunkCommitted(ctx context.Context, result pipeline.ChunkResult) error {
	msg, err := serializeToMessage(ChunkEvent{
		Source:      p.source,
		Chunk:       result,
		CommittedAt: p.now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish chunk %d: %w", result.Seq, err)
	}
	p.logger.Debug("chunk event published", "chunk", result.Seq, "topic", p.writer.Topic)
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals a ChunkEvent into a Kafka message keyed by source,
// so every chunk of one run lands on the same partition in order.
func serializeToMessage(event ChunkEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize chunk event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.Source),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "chunk_seq", Value: []byte(strconv.Itoa(event.Chunk.Seq))},
			{Key: "committed_at", Value: []byte(event.CommittedAt.Format(time.RFC3339))},
		},
	}, nil
}
