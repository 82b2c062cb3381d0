package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"riskgraph/internal/config"
	"riskgraph/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveDecision(ctx context.Context, decision model.Decision) error
	SaveDeadLetter(ctx context.Context, letter model.DeadLetter) error
	RecentDecisions(ctx context.Context, limit int) ([]model.Decision, error)
	RecentDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
