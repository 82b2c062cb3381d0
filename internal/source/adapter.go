package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"riskgraph/internal/config"
	"riskgraph/internal/model"
)

// Health is the coarse adapter health signal.
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
	Down     Health = "down"
)

// Credential is an opaque secret handed to an adapter. The pipeline never
// persists credentials itself.
type Credential struct {
	Token    string
	Username string
	Password string
}

// AuthError marks a credential failure so the pipeline can surface the
// source as down and feed the circuit breaker.
type AuthError struct {
	Source string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for source %s: %v", e.Source, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Adapter is the capability contract a connector must satisfy. The core
// calls these operations only and never interprets vendor semantics.
type Adapter interface {
	Name() string
	Authenticate(ctx context.Context, cred Credential) error
	Fetch(ctx context.Context, cursor string) ([]model.RawEvent, string, error)
	Health(ctx context.Context) Health
	Close() error
}

// SecretStore resolves credentials for a source by ID.
type SecretStore interface {
	GetSecret(sourceID string) (Credential, error)
}

// ErrSecretNotFound is returned when no credential is registered.
var ErrSecretNotFound = errors.New("secret not found")

// EnvSecretStore reads credentials from the environment:
// RISKGRAPH_SECRET_<SOURCE> for a token, optionally
// RISKGRAPH_USER_<SOURCE> / RISKGRAPH_PASS_<SOURCE> for basic pairs.
type EnvSecretStore struct{}

func (EnvSecretStore) GetSecret(sourceID string) (Credential, error) {
	key := strings.ToUpper(strings.ReplaceAll(sourceID, "-", "_"))
	cred := Credential{
		Token:    os.Getenv("RISKGRAPH_SECRET_" + key),
		Username: os.Getenv("RISKGRAPH_USER_" + key),
		Password: os.Getenv("RISKGRAPH_PASS_" + key),
	}
	if cred.Token == "" && cred.Username == "" && cred.Password == "" {
		return Credential{}, ErrSecretNotFound
	}
	return cred, nil
}

// Registry holds one adapter per configured source, selected by name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[a.Name()]; dup {
		return fmt.Errorf("adapter already registered: %s", a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

func (r *Registry) Lookup(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.adapters {
		_ = a.Close()
	}
	r.adapters = make(map[string]Adapter)
}

// Build constructs the adapter a source config describes.
func Build(cfg config.SourceConfig) (Adapter, error) {
	switch strings.ToLower(cfg.Kind) {
	case "redis":
		return NewRedisAdapter(cfg.Name, cfg.Redis)
	case "kafka":
		return NewKafkaAdapter(cfg.Name, cfg.Kafka), nil
	case "http":
		return NewHTTPAdapter(cfg.Name, cfg.HTTP), nil
	}
	return nil, fmt.Errorf("unknown source kind: %s", cfg.Kind)
}
