package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"riskgraph/internal/config"
	"riskgraph/internal/model"
)

// Sink receives finished decisions. Delivery errors are retried by the
// Retrying wrapper; a permanent failure is logged, never fatal.
type Sink interface {
	Deliver(ctx context.Context, d model.Decision) error
	Close() error
}

// New builds the configured sink wrapped with retry.
func New(cfg config.SinkConfig, logger *slog.Logger) (Sink, error) {
	var inner Sink
	var err error
	switch strings.ToLower(cfg.Mode) {
	case "file":
		inner, err = NewFileSink(cfg.File.Path)
	case "http":
		inner = NewHTTPSink(cfg.HTTP)
	case "kafka":
		inner = NewKafkaSink(cfg.Kafka)
	case "nats":
		inner, err = NewNATSSink(cfg.NATS)
	default:
		return nil, fmt.Errorf("unknown sink mode: %s", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return NewRetrying(inner, cfg.Retries, cfg.RetryBackoff, logger), nil
}

// Retrying wraps a sink with exponential backoff.
type Retrying struct {
	inner    Sink
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

func NewRetrying(inner Sink, attempts int, backoff time.Duration, logger *slog.Logger) *Retrying {
	if attempts <= 0 {
		attempts = 5
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Retrying{inner: inner, attempts: attempts, backoff: backoff, logger: logger}
}

func (r *Retrying) Deliver(ctx context.Context, d model.Decision) error {
	backoff := r.backoff
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = r.inner.Deliver(ctx, d)
		if err == nil {
			return nil
		}
		if r.logger != nil {
			r.logger.Warn("sink delivery failed",
				"alert_ref", d.AlertRef,
				"attempt", attempt,
				"retry_in", backoff,
				"err", err,
			)
		}
		if attempt == r.attempts {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("delivery gave up after %d attempts: %w", r.attempts, err)
}

func (r *Retrying) Close() error {
	return r.inner.Close()
}
