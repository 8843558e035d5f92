package events

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/atmx/spread-engine/internal/model"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig holds producer configuration.
type KafkaConfig struct {
	Brokers    []string
	TradeTopic string
	PoolTopic  string
}

// KafkaPublisher writes trade events keyed by position id, so every event of
// a position lands on the same partition in order, and pool snapshots keyed
// by pool.
type KafkaPublisher struct {
	trades MessageWriter
	pool   MessageWriter
	logger *zap.SugaredLogger
}

// NewKafkaPublisher creates synchronous writers for the configured topics.
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.SugaredLogger) *KafkaPublisher {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
			Async:    false, // Synchronous so failures are counted
		}
	}
	return NewKafkaPublisherWithWriters(newWriter(cfg.TradeTopic), newWriter(cfg.PoolTopic), logger)
}

// NewKafkaPublisherWithWriters creates a publisher over existing writers.
func NewKafkaPublisherWithWriters(trades, pool MessageWriter, logger *zap.SugaredLogger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &KafkaPublisher{trades: trades, pool: pool, logger: logger}
}

func (p *KafkaPublisher) PublishTrade(ctx context.Context, ev model.TradeEvent) error {
	return p.write(ctx, p.trades, strconv.FormatUint(ev.PositionID, 10), Message{Type: TypeTrade, Trade: &ev})
}

func (p *KafkaPublisher) PublishPool(ctx context.Context, s model.PoolState) error {
	return p.write(ctx, p.pool, "pool", Message{Type: TypePool, Pool: &s})
}

func (p *KafkaPublisher) write(ctx context.Context, w MessageWriter, key string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data}); err != nil {
		return err
	}
	p.logger.Debugw("event published", "type", msg.Type, "key", key)
	return nil
}

// Close closes both writers.
func (p *KafkaPublisher) Close() error {
	if err := p.trades.Close(); err != nil {
		return err
	}
	return p.pool.Close()
}
