// Package events publishes committed trade events and pool snapshots to
// downstream consumers: Kafka topics and WebSocket clients.
package events

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/atmx/spread-engine/internal/metrics"
	"github.com/atmx/spread-engine/internal/model"
)

// Message types carried on every sink.
const (
	TypeTrade = "trade"
	TypePool  = "pool"
)

// Message is the envelope sent to consumers.
type Message struct {
	Type  string            `json:"type"`
	Trade *model.TradeEvent `json:"trade,omitempty"`
	Pool  *model.PoolState  `json:"pool,omitempty"`
}

// Publisher delivers events after the operation that produced them committed.
// Publishing never affects the outcome of that operation.
type Publisher interface {
	PublishTrade(ctx context.Context, ev model.TradeEvent) error
	PublishPool(ctx context.Context, s model.PoolState) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) PublishTrade(context.Context, model.TradeEvent) error { return nil }
func (Nop) PublishPool(context.Context, model.PoolState) error   { return nil }

// Fanout publishes to every named sink. A failing sink does not stop the
// others; failures are counted per sink and returned joined.
type Fanout struct {
	sinks  map[string]Publisher
	names  []string
	logger *zap.SugaredLogger
}

// NewFanout creates a fan-out over sinks keyed by name.
func NewFanout(logger *zap.SugaredLogger, sinks map[string]Publisher) *Fanout {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	f := &Fanout{sinks: make(map[string]Publisher, len(sinks)), logger: logger}
	for name, p := range sinks {
		if p == nil {
			continue
		}
		f.sinks[name] = p
		f.names = append(f.names, name)
	}
	sort.Strings(f.names)
	return f
}

func (f *Fanout) PublishTrade(ctx context.Context, ev model.TradeEvent) error {
	return f.each(func(p Publisher) error { return p.PublishTrade(ctx, ev) })
}

func (f *Fanout) PublishPool(ctx context.Context, s model.PoolState) error {
	return f.each(func(p Publisher) error { return p.PublishPool(ctx, s) })
}

func (f *Fanout) each(fn func(Publisher) error) error {
	var errs []error
	for _, name := range f.names {
		if err := fn(f.sinks[name]); err != nil {
			metrics.EventPublishFailures.WithLabelValues(name).Inc()
			f.logger.Warnw("event publish failed", "sink", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
