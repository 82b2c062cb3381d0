package source

import (
	"context"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"riskgraph/internal/config"
	"riskgraph/internal/model"
)

const redisFetchBatch = 256

// RedisAdapter pops raw vendor payloads from a Redis list, the push-queue
// handoff pattern used by agent-side collectors.
type RedisAdapter struct {
	name         string
	client       *redis.Client
	opts         *redis.Options
	key          string
	blockTimeout time.Duration
}

func NewRedisAdapter(name string, cfg config.RedisSourceConfig) (*RedisAdapter, error) {
	opts := &redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	}
	return &RedisAdapter{
		name:         name,
		client:       redis.NewClient(opts),
		opts:         opts,
		key:          cfg.Key,
		blockTimeout: cfg.BlockTimeout,
	}, nil
}

func (a *RedisAdapter) Name() string { return a.name }

// Authenticate applies the credential password and verifies connectivity.
func (a *RedisAdapter) Authenticate(ctx context.Context, cred Credential) error {
	if cred.Password != "" && a.opts.Password != cred.Password {
		_ = a.client.Close()
		a.opts.Password = cred.Password
		a.client = redis.NewClient(a.opts)
	}
	if err := a.client.Ping(ctx).Err(); err != nil {
		return &AuthError{Source: a.name, Err: err}
	}
	return nil
}

// Fetch drains up to a batch of list entries. The first pop blocks up to the
// configured timeout; the rest are non-blocking. Redis lists carry no
// replayable offset, so the cursor is passed through unchanged.
func (a *RedisAdapter) Fetch(ctx context.Context, cursor string) ([]model.RawEvent, string, error) {
	var events []model.RawEvent
	res, err := a.client.BLPop(ctx, a.blockTimeout, a.key).Result()
	if err == redis.Nil {
		return nil, cursor, nil
	}
	if err != nil {
		return nil, cursor, err
	}
	if len(res) >= 2 {
		events = append(events, a.rawEvent([]byte(res[1])))
	}
	for len(events) < redisFetchBatch {
		payload, err := a.client.LPop(ctx, a.key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return events, cursor, err
		}
		events = append(events, a.rawEvent([]byte(payload)))
	}
	return events, cursor, nil
}

func (a *RedisAdapter) Health(ctx context.Context) Health {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return Down
	}
	return Healthy
}

func (a *RedisAdapter) Close() error {
	return a.client.Close()
}

func (a *RedisAdapter) rawEvent(payload []byte) model.RawEvent {
	return model.RawEvent{
		ID:         uuid.NewString(),
		Source:     a.name,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
}
