package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"riskgraph/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/riskgraph?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id BIGSERIAL PRIMARY KEY,
			alert_ref TEXT NOT NULL UNIQUE,
			entity_ref TEXT NOT NULL,
			asset_id TEXT,
			risk_score DOUBLE PRECISION NOT NULL,
			action TEXT NOT NULL,
			fallback BOOLEAN NOT NULL DEFAULT FALSE,
			reasoning_json JSONB NOT NULL,
			produced_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_produced ON decisions(produced_at)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id BIGSERIAL PRIMARY KEY,
			raw_ref TEXT NOT NULL,
			source TEXT NOT NULL,
			stage TEXT NOT NULL,
			error_kind TEXT NOT NULL,
			detail TEXT NOT NULL,
			payload BYTEA,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_ts ON dead_letters(ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) SaveDecision(ctx context.Context, decision model.Decision) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (alert_ref, entity_ref, asset_id, risk_score, action, fallback, reasoning_json, produced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (alert_ref) DO NOTHING`,
		decision.AlertRef,
		decision.EntityRef,
		decision.AssetID,
		decision.RiskScore,
		string(decision.Action),
		decision.Fallback,
		encodeJSON(decision.Reasoning),
		decision.ProducedAt.UTC(),
	)
	return err
}

func (s *postgresStore) SaveDeadLetter(ctx context.Context, letter model.DeadLetter) error {
	if s.db == nil {
		return nil
	}
	ts := letter.Timestamp
	if ts.IsZero() {
		ts = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (raw_ref, source, stage, error_kind, detail, payload, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		letter.RawRef,
		letter.Source,
		letter.Stage,
		string(letter.ErrorKind),
		letter.Detail,
		letter.Payload,
		ts.UTC(),
	)
	return err
}

func (s *postgresStore) RecentDecisions(ctx context.Context, limit int) ([]model.Decision, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_ref, entity_ref, asset_id, risk_score, action, fallback, reasoning_json, produced_at
		FROM decisions ORDER BY id DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		var (
			d         model.Decision
			action    string
			reasoning []byte
		)
		if err := rows.Scan(&d.AlertRef, &d.EntityRef, &d.AssetID, &d.RiskScore, &action, &d.Fallback, &reasoning, &d.ProducedAt); err != nil {
			return nil, err
		}
		d.Action = model.Action(action)
		_ = json.Unmarshal(reasoning, &d.Reasoning)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *postgresStore) RecentDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT raw_ref, source, stage, error_kind, detail, payload, ts
		FROM dead_letters ORDER BY id DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var (
			l    model.DeadLetter
			kind string
		)
		if err := rows.Scan(&l.RawRef, &l.Source, &l.Stage, &kind, &l.Detail, &l.Payload, &l.Timestamp); err != nil {
			return nil, err
		}
		l.ErrorKind = model.ErrorKind(kind)
		out = append(out, l)
	}
	return out, rows.Err()
}
