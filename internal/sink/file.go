package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"riskgraph/internal/model"
)

// FileSink appends decisions to a JSON lines file.
type FileSink struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

func NewFileSink(path string) (*FileSink, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return &FileSink{file: f, encoder: json.NewEncoder(f)}, nil
}

func (s *FileSink) Deliver(_ context.Context, d model.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.encoder.Encode(d); err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
