package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Consumer drains the telemetry stream for external subscribers (an
// audit exporter, a second operator-facing process) — the in-process
// operator fan-out itself never goes through NATS.
type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(url string) (*Consumer, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &Consumer{nc: nc, js: js}, nil
}

func (c *Consumer) Close() {
	c.nc.Close()
}

// ConsumeTelemetry runs handler over every message on the telemetry
// stream via a durable pull consumer, acking on success and nak-ing on
// handler error so JetStream redelivers.
func (c *Consumer) ConsumeTelemetry(ctx context.Context, consumerName string, handler func(context.Context, jetstream.Msg) error) error {
	stream, err := c.js.Stream(ctx, TelemetryStreamName)
	if err != nil {
		return fmt.Errorf("lookup telemetry stream: %w", err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create telemetry consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msgs, err := cons.Fetch(10, jetstream.FetchMaxWait(2*time.Second))
			if err != nil {
				continue
			}
			for msg := range msgs.Messages() {
				if err := handler(ctx, msg); err != nil {
					slog.Warn("telemetry handler error", "error", err)
					_ = msg.Nak()
					continue
				}
				_ = msg.Ack()
			}
		}
	}()

	return nil
}
