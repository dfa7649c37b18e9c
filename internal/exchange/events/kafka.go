package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher bridges the in-process bus to Kafka topics for external
// collaborators (market data broadcast, settlement, notifications).
type KafkaPublisher struct {
	logger       *zap.Logger
	tradeWriter  *kafka.Writer
	riskWriter   *kafka.Writer
	haltedWriter *kafka.Writer
}

// NewKafkaPublisher builds a publisher for the given brokers. Topics follow
// the exchange.<stream> convention.
func NewKafkaPublisher(logger *zap.Logger, brokers []string) *KafkaPublisher {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		}
	}
	return &KafkaPublisher{
		logger:       logger,
		tradeWriter:  newWriter("exchange.trades"),
		riskWriter:   newWriter("exchange.margin-calls"),
		haltedWriter: newWriter("exchange.circuit-breakers"),
	}
}

// Run consumes the bus streams and forwards them until ctx is cancelled.
func (p *KafkaPublisher) Run(ctx context.Context, bus *Bus) {
	trades := bus.SubscribeTrades()
	calls := bus.SubscribeMarginCalls()
	halts := bus.SubscribeBreakerEvents()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-trades:
			p.write(ctx, p.tradeWriter, t.Symbol, t)
		case mc := <-calls:
			p.write(ctx, p.riskWriter, mc.AccountID.String(), mc)
		case ev := <-halts:
			p.write(ctx, p.haltedWriter, string(ev.Scope), ev)
		}
	}
}

func (p *KafkaPublisher) write(ctx context.Context, w *kafka.Writer, key string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("kafka payload marshal failed", zap.Error(err))
		return
	}
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: payload}); err != nil {
		p.logger.Error("kafka publish failed", zap.String("topic", w.Topic), zap.Error(err))
	}
}

// Close flushes and closes the underlying writers.
func (p *KafkaPublisher) Close() error {
	for _, w := range []*kafka.Writer{p.tradeWriter, p.riskWriter, p.haltedWriter} {
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}
