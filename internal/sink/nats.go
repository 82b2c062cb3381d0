package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"riskgraph/internal/config"
	"riskgraph/internal/model"
)

// NATSSink publishes decisions to a NATS subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

func NewNATSSink(cfg config.NATSSinkConfig) (*NATSSink, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return &NATSSink{nc: nc, subject: cfg.Subject}, nil
}

func (s *NATSSink) Deliver(_ context.Context, d model.Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish decision: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	if err := s.nc.Flush(); err != nil {
		s.nc.Close()
		return err
	}
	s.nc.Close()
	return nil
}
