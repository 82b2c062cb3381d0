package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"riskgraph/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:riskgraph.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_ref TEXT NOT NULL UNIQUE,
			entity_ref TEXT NOT NULL,
			asset_id TEXT,
			risk_score REAL NOT NULL,
			action TEXT NOT NULL,
			fallback INTEGER NOT NULL DEFAULT 0,
			reasoning_json TEXT NOT NULL,
			produced_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_produced ON decisions(produced_at)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			raw_ref TEXT NOT NULL,
			source TEXT NOT NULL,
			stage TEXT NOT NULL,
			error_kind TEXT NOT NULL,
			detail TEXT NOT NULL,
			payload BLOB,
			ts TEXT NOT NULL
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

func (s *sqliteStore) SaveDecision(ctx context.Context, decision model.Decision) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (alert_ref, entity_ref, asset_id, risk_score, action, fallback, reasoning_json, produced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(alert_ref) DO NOTHING`,
		decision.AlertRef,
		decision.EntityRef,
		decision.AssetID,
		decision.RiskScore,
		string(decision.Action),
		boolToInt(decision.Fallback),
		encodeJSON(decision.Reasoning),
		decision.ProducedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) SaveDeadLetter(ctx context.Context, letter model.DeadLetter) error {
	if s.db == nil {
		return nil
	}
	ts := letter.Timestamp
	if ts.IsZero() {
		ts = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (raw_ref, source, stage, error_kind, detail, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		letter.RawRef,
		letter.Source,
		letter.Stage,
		string(letter.ErrorKind),
		letter.Detail,
		letter.Payload,
		ts.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) RecentDecisions(ctx context.Context, limit int) ([]model.Decision, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_ref, entity_ref, asset_id, risk_score, action, fallback, reasoning_json, produced_at
		FROM decisions ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		var (
			d         model.Decision
			action    string
			fallback  int
			reasoning string
			produced  string
		)
		if err := rows.Scan(&d.AlertRef, &d.EntityRef, &d.AssetID, &d.RiskScore, &action, &fallback, &reasoning, &produced); err != nil {
			return nil, err
		}
		d.Action = model.Action(action)
		d.Fallback = fallback != 0
		_ = json.Unmarshal([]byte(reasoning), &d.Reasoning)
		d.ProducedAt, _ = time.Parse(time.RFC3339Nano, produced)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecentDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT raw_ref, source, stage, error_kind, detail, payload, ts
		FROM dead_letters ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var (
			l    model.DeadLetter
			kind string
			ts   string
		)
		if err := rows.Scan(&l.RawRef, &l.Source, &l.Stage, &kind, &l.Detail, &l.Payload, &ts); err != nil {
			return nil, err
		}
		l.ErrorKind = model.ErrorKind(kind)
		l.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, l)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
