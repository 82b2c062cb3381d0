package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Mapping    MappingConfig    `json:"mapping" yaml:"mapping"`
	Sources    []SourceConfig   `json:"sources" yaml:"sources"`
	Graph      GraphConfig      `json:"graph" yaml:"graph"`
	Decision   DecisionConfig   `json:"decision" yaml:"decision"`
	Resilience ResilienceConfig `json:"resilience" yaml:"resilience"`
	Sink       SinkConfig       `json:"sink" yaml:"sink"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	API        APIConfig        `json:"api" yaml:"api"`
	Pipeline   PipelineConfig   `json:"pipeline" yaml:"pipeline"`
}

type MappingConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

type SourceConfig struct {
	Name          string            `json:"name" yaml:"name"`
	Kind          string            `json:"kind" yaml:"kind"` // redis|kafka|http
	FetchInterval time.Duration     `json:"fetch_interval" yaml:"fetch_interval"`
	Redis         RedisSourceConfig `json:"redis" yaml:"redis"`
	Kafka         KafkaSourceConfig `json:"kafka" yaml:"kafka"`
	HTTP          HTTPSourceConfig  `json:"http" yaml:"http"`
}

type RedisSourceConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	DB           int           `json:"db" yaml:"db"`
	Key          string        `json:"key" yaml:"key"`
	BlockTimeout time.Duration `json:"block_timeout" yaml:"block_timeout"`
}

type KafkaSourceConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type HTTPSourceConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Timeout time.Duration     `json:"timeout" yaml:"timeout"`
	Headers map[string]string `json:"headers" yaml:"headers"`
}

type GraphConfig struct {
	RiskFloor     float64       `json:"risk_floor" yaml:"risk_floor"`
	StaleAfter    time.Duration `json:"stale_after" yaml:"stale_after"`
	IngestRetries int           `json:"ingest_retries" yaml:"ingest_retries"`
}

type DecisionConfig struct {
	Weights            WeightsConfig `json:"weights" yaml:"weights"`
	ThresholdRemediate float64       `json:"threshold_remediate" yaml:"threshold_remediate"`
	ThresholdNotify    float64       `json:"threshold_notify" yaml:"threshold_notify"`
	SLA                time.Duration `json:"sla" yaml:"sla"`
	Lookback           time.Duration `json:"lookback" yaml:"lookback"`
	CorroborationCap   int           `json:"corroboration_cap" yaml:"corroboration_cap"`
	DecayAfter         time.Duration `json:"decay_after" yaml:"decay_after"`
	DeliveredCache     int           `json:"delivered_cache" yaml:"delivered_cache"`
	RecentLimit        int           `json:"recent_limit" yaml:"recent_limit"`
}

type WeightsConfig struct {
	Severity      float64 `json:"severity" yaml:"severity"`
	Criticality   float64 `json:"criticality" yaml:"criticality"`
	Exploit       float64 `json:"exploit" yaml:"exploit"`
	Corroboration float64 `json:"corroboration" yaml:"corroboration"`
}

type ResilienceConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	FailureWindow    time.Duration `json:"failure_window" yaml:"failure_window"`
	CoolDown         time.Duration `json:"cool_down" yaml:"cool_down"`
	HalfOpenProbes   int           `json:"half_open_probes" yaml:"half_open_probes"`
}

type SinkConfig struct {
	Mode         string          `json:"mode" yaml:"mode"` // file|http|kafka|nats
	Retries      int             `json:"retries" yaml:"retries"`
	RetryBackoff time.Duration   `json:"retry_backoff" yaml:"retry_backoff"`
	File         FileSinkConfig  `json:"file" yaml:"file"`
	HTTP         HTTPSinkConfig  `json:"http" yaml:"http"`
	Kafka        KafkaSinkConfig `json:"kafka" yaml:"kafka"`
	NATS         NATSSinkConfig  `json:"nats" yaml:"nats"`
}

type FileSinkConfig struct {
	Path string `json:"path" yaml:"path"`
}

type HTTPSinkConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Timeout time.Duration     `json:"timeout" yaml:"timeout"`
	Headers map[string]string `json:"headers" yaml:"headers"`
}

type KafkaSinkConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type NATSSinkConfig struct {
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type PipelineConfig struct {
	QueueSize       int           `json:"queue_size" yaml:"queue_size"`
	FetchTimeout    time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	SkipTolerance   int           `json:"skip_tolerance" yaml:"skip_tolerance"`
	DecisionWorkers int           `json:"decision_workers" yaml:"decision_workers"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Mapping:  MappingConfig{Dir: "mappings"},
		Graph: GraphConfig{
			RiskFloor:     40,
			StaleAfter:    72 * time.Hour,
			IngestRetries: 3,
		},
		Decision: DecisionConfig{
			Weights: WeightsConfig{
				Severity:      50,
				Criticality:   25,
				Exploit:       15,
				Corroboration: 10,
			},
			ThresholdRemediate: 70,
			ThresholdNotify:    40,
			SLA:                30 * time.Second,
			Lookback:           15 * time.Minute,
			CorroborationCap:   4,
			DecayAfter:         24 * time.Hour,
			DeliveredCache:     4096,
			RecentLimit:        1000,
		},
		Resilience: ResilienceConfig{
			FailureThreshold: 5,
			FailureWindow:    1 * time.Minute,
			CoolDown:         30 * time.Second,
			HalfOpenProbes:   1,
		},
		Sink: SinkConfig{
			Mode:         "file",
			Retries:      5,
			RetryBackoff: 500 * time.Millisecond,
			File:         FileSinkConfig{Path: "output/decisions.jsonl"},
		},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:riskgraph.db?_pragma=busy_timeout(5000)"},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Pipeline: PipelineConfig{
			QueueSize:       1024,
			FetchTimeout:    10 * time.Second,
			SkipTolerance:   3,
			DecisionWorkers: 8,
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Pipeline.QueueSize <= 0 {
		cfg.Pipeline.QueueSize = 1024
	}
	if cfg.Pipeline.FetchTimeout <= 0 {
		cfg.Pipeline.FetchTimeout = 10 * time.Second
	}
	if cfg.Pipeline.SkipTolerance <= 0 {
		cfg.Pipeline.SkipTolerance = 3
	}
	if cfg.Pipeline.DecisionWorkers <= 0 {
		cfg.Pipeline.DecisionWorkers = 8
	}
	if cfg.Graph.IngestRetries <= 0 {
		cfg.Graph.IngestRetries = 3
	}
	if cfg.Decision.CorroborationCap <= 0 {
		cfg.Decision.CorroborationCap = 4
	}
	if cfg.Decision.DeliveredCache <= 0 {
		cfg.Decision.DeliveredCache = 4096
	}
	if cfg.Decision.RecentLimit <= 0 {
		cfg.Decision.RecentLimit = 1000
	}
	if cfg.Resilience.HalfOpenProbes <= 0 {
		cfg.Resilience.HalfOpenProbes = 1
	}
	if cfg.Sink.Retries <= 0 {
		cfg.Sink.Retries = 5
	}
	if cfg.Sink.RetryBackoff <= 0 {
		cfg.Sink.RetryBackoff = 500 * time.Millisecond
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].FetchInterval <= 0 {
			cfg.Sources[i].FetchInterval = 30 * time.Second
		}
		if cfg.Sources[i].Redis.BlockTimeout <= 0 {
			cfg.Sources[i].Redis.BlockTimeout = 5 * time.Second
		}
		if cfg.Sources[i].HTTP.Timeout <= 0 {
			cfg.Sources[i].HTTP.Timeout = 10 * time.Second
		}
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Decision.ThresholdNotify > cfg.Decision.ThresholdRemediate {
		return errors.New("decision.threshold_notify must not exceed decision.threshold_remediate")
	}
	w := cfg.Decision.Weights
	if w.Severity < 0 || w.Criticality < 0 || w.Exploit < 0 || w.Corroboration < 0 {
		return errors.New("decision.weights must be non-negative")
	}
	if cfg.Resilience.FailureThreshold <= 0 {
		return errors.New("resilience.failure_threshold must be > 0")
	}
	if cfg.Resilience.CoolDown <= 0 {
		return errors.New("resilience.cool_down must be > 0")
	}
	seen := map[string]bool{}
	for _, src := range cfg.Sources {
		if src.Name == "" {
			return errors.New("sources[].name is required")
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate source name: %s", src.Name)
		}
		seen[src.Name] = true
		switch strings.ToLower(src.Kind) {
		case "redis":
			if src.Redis.Addr == "" || src.Redis.Key == "" {
				return fmt.Errorf("source %s: redis requires addr and key", src.Name)
			}
		case "kafka":
			if len(src.Kafka.Brokers) == 0 || src.Kafka.Topic == "" || src.Kafka.GroupID == "" {
				return fmt.Errorf("source %s: kafka requires brokers, topic, group_id", src.Name)
			}
		case "http":
			if src.HTTP.URL == "" {
				return fmt.Errorf("source %s: http requires url", src.Name)
			}
		default:
			return fmt.Errorf("source %s: unknown kind %q", src.Name, src.Kind)
		}
	}
	switch strings.ToLower(cfg.Sink.Mode) {
	case "file":
		if cfg.Sink.File.Path == "" {
			return errors.New("sink.file.path required for file sink")
		}
	case "http":
		if cfg.Sink.HTTP.URL == "" {
			return errors.New("sink.http.url required for http sink")
		}
	case "kafka":
		if len(cfg.Sink.Kafka.Brokers) == 0 || cfg.Sink.Kafka.Topic == "" {
			return errors.New("sink.kafka requires brokers and topic")
		}
	case "nats":
		if cfg.Sink.NATS.URL == "" || cfg.Sink.NATS.Subject == "" {
			return errors.New("sink.nats requires url and subject")
		}
	default:
		return fmt.Errorf("unknown sink mode: %s", cfg.Sink.Mode)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if info, err := os.Stat(path); err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config, used by tests and embedding.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
