package util

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// ProcessWithTimeout runs callback under its own deadline and gives up waiting once it passes.
// The callback keeps running in the background and must honour ctx.
func ProcessWithTimeout(timeout time.Duration, msg *nats.Msg, callback func(ctx context.Context, msg *nats.Msg) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- callback(ctx, msg)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("processing timeout after %s for subject %s: %s", timeout, msg.Subject, string(msg.Data))
	case err := <-done:
		return err
	}
}

// PublishEvent encodes data as json and publishes it on subject. opts are passed through, e.g. nats.MsgId for dedup.
func PublishEvent(js nats.JetStreamContext, subject string, data any, opts ...nats.PubOpt) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", subject, err)
	}

	_, err = js.Publish(subject, payload, opts...)
	if err != nil {
		return fmt.Errorf("publish event to %s: %w", subject, err)
	}

	return nil
}
