package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"riskgraph/internal/config"
	"riskgraph/internal/decision"
	"riskgraph/internal/graph"
	"riskgraph/internal/model"
	"riskgraph/internal/resilience"
	"riskgraph/internal/storage"
)

// EngineControl is the subset of the decision engine the API may drive.
type EngineControl interface {
	Reset()
	UpdateConfig(cfg *config.Config)
	Recent() *decision.RecentStore
}

// Injector accepts raw events from the webhook intake.
type Injector interface {
	Inject(raw model.RawEvent) error
}

type Server struct {
	cfg      *config.Manager
	graph    *graph.Graph
	engine   EngineControl
	breakers *resilience.Set
	store    storage.Store
	injector Injector
	logger   *slog.Logger
	version  string
}

type statusResponse struct {
	Status     string      `json:"status"`
	Time       string      `json:"time"`
	Version    string      `json:"version"`
	ConfigPath string      `json:"config_path"`
	Sources    []string    `json:"sources"`
	Graph      graph.Stats `json:"graph"`
	Sink       string      `json:"sink"`
}

func Start(ctx context.Context, cfg *config.Manager, g *graph.Graph, engine EngineControl, breakers *resilience.Set, store storage.Store, injector Injector, gatherer prometheus.Gatherer, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:      cfg,
		graph:    g,
		engine:   engine,
		breakers: breakers,
		store:    store,
		injector: injector,
		logger:   logger,
		version:  version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/decisions", server.handleDecisions)
	mux.HandleFunc("/deadletters", server.handleDeadLetters)
	mux.HandleFunc("/circuits", server.handleCircuits)
	mux.HandleFunc("/graph", server.handleGraph)
	mux.HandleFunc("/graph/highrisk", server.handleHighRisk)
	mux.HandleFunc("/events/", server.handleEvents)
	mux.HandleFunc("/admin/clear", server.handleClear)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	sources := make([]string, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sources = append(sources, src.Name)
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Sources:    sources,
		Graph:      s.graph.Stats(),
		Sink:       cfg.Sink.Mode,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	recent := s.engine.Recent()
	var list []model.Decision
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = recent.Since(ts)
	} else {
		list = recent.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": list,
		"count":     len(list),
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"dead_letters": []model.DeadLetter{}, "count": 0})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	list, err := s.store.RecentDeadLetters(r.Context(), limit)
	if err != nil {
		s.logger.Error("dead letter query failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": list,
		"count":        len(list),
	})
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"circuits": s.breakers.States(),
	})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if ref := r.URL.Query().Get("vuln"); ref != "" {
		vuln, ok := s.graph.Vulnerability(ref)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"vulnerability": vuln,
			"assets":        s.graph.AssetsFor(ref),
		})
		return
	}
	if id := r.URL.Query().Get("asset"); id != "" {
		asset, ok := s.graph.Asset(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"asset": asset})
		return
	}
	writeJSON(w, http.StatusOK, s.graph.Stats())
}

func (s *Server) handleHighRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	floor := s.cfg.Get().Graph.RiskFloor
	if v := r.URL.Query().Get("floor"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			floor = f
		}
	}
	ranked := s.graph.HighRiskAssets(floor)
	writeJSON(w, http.StatusOK, map[string]any{
		"assets": ranked,
		"count":  len(ranked),
	})
}

// handleEvents is the webhook intake: POST /events/<source> with a vendor
// payload body. The payload is queued for the same normalization path as
// fetched events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	src := strings.TrimPrefix(r.URL.Path, "/events/")
	src = strings.Trim(src, "/")
	if src == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil || len(body) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	raw := model.RawEvent{
		ID:         uuid.NewString(),
		Source:     src,
		Payload:    body,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.injector.Inject(raw); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"raw_ref": raw.ID})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.engine.Reset()
		s.breakers.Reset()
	case "alerts":
		s.engine.Reset()
	case "circuits":
		s.breakers.Reset()
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
