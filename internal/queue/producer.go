// Package queue is a durable telemetry sink built on NATS JetStream:
// attendance and live-scan events get a replayable trail beyond the
// in-process operator fan-out the Session Registry does. It is
// additive — no device or operator command depends on it.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const TelemetryStreamName = "TELEMETRY"

// Producer publishes telemetry events to a durable JetStream stream.
type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewProducer(url string) (*Producer, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &Producer{nc: nc, js: js}, nil
}

func (p *Producer) Close() {
	p.nc.Close()
}

func (p *Producer) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

// EnsureStreams creates the telemetry stream if it does not already
// exist, retrying against a NATS server that may still be starting
// up.
func (p *Producer) EnsureStreams(ctx context.Context) error {
	cfg := jetstream.StreamConfig{
		Name:      TelemetryStreamName,
		Subjects:  []string{"telemetry.>"},
		Retention: jetstream.InterestPolicy,
		MaxAge:    24 * time.Hour,
		MaxMsgs:   1_000_000,
		Storage:   jetstream.FileStorage,
	}

	var lastErr error
	for attempt := 0; attempt < 30; attempt++ {
		if _, err := p.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			lastErr = err
			time.Sleep(time.Second)
			continue
		}
		return nil
	}
	return fmt.Errorf("ensure telemetry stream: %w", lastErr)
}

// PublishTelemetry publishes a pre-marshaled telemetry frame (a
// live_scan or admin_enroll_complete reply) under subject
// telemetry.<kind>.
func (p *Producer) PublishTelemetry(ctx context.Context, kind string, data []byte) error {
	_, err := p.js.Publish(ctx, "telemetry."+kind, data)
	if err != nil {
		return fmt.Errorf("publish telemetry %s: %w", kind, err)
	}
	return nil
}
