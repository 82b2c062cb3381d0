package decision

import (
	"sync"
	"time"

	"riskgraph/internal/model"
)

// RecentStore is a bounded in-memory ring of the latest decisions, serving
// the operator API without touching SQL storage.
type RecentStore struct {
	mu    sync.RWMutex
	buf   []model.Decision
	limit int
}

func NewRecentStore(limit int) *RecentStore {
	if limit <= 0 {
		limit = 1000
	}
	return &RecentStore{limit: limit}
}

func (s *RecentStore) Add(d model.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, d)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = d
}

func (s *RecentStore) List(limit int) []model.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Decision, 0, limit)
	start := len(s.buf) - limit
	for i := start; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *RecentStore) Since(ts time.Time) []model.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Decision, 0)
	for _, d := range s.buf {
		if !d.ProducedAt.Before(ts) {
			out = append(out, d)
		}
	}
	return out
}

func (s *RecentStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
