package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"riskgraph/internal/config"
	"riskgraph/internal/model"
)

// HTTPAdapter polls a vendor REST endpoint with cursor-based incremental
// fetch. The endpoint returns either a bare JSON array of findings or an
// envelope {"items": [...], "next_cursor": "..."}.
type HTTPAdapter struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
	token   string
}

func NewHTTPAdapter(name string, cfg config.HTTPSourceConfig) *HTTPAdapter {
	return &HTTPAdapter{
		name:    name,
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *HTTPAdapter) Name() string { return a.name }

// Authenticate keeps the bearer token for subsequent fetches and validates
// it with a probe request.
func (a *HTTPAdapter) Authenticate(ctx context.Context, cred Credential) error {
	a.token = cred.Token
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.url, nil)
	if err != nil {
		return err
	}
	a.decorate(req)
	resp, err := a.client.Do(req)
	if err != nil {
		return &AuthError{Source: a.name, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Source: a.name, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

type httpEnvelope struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
}

func (a *HTTPAdapter) Fetch(ctx context.Context, cursor string) ([]model.RawEvent, string, error) {
	endpoint := a.url
	if cursor != "" {
		endpoint = a.url + "?cursor=" + url.QueryEscape(cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, cursor, err
	}
	a.decorate(req)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, cursor, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, cursor, &AuthError{Source: a.name, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, cursor, fmt.Errorf("fetch %s: status %d", a.name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, cursor, err
	}

	items, next, err := splitItems(body, cursor)
	if err != nil {
		return nil, cursor, err
	}
	events := make([]model.RawEvent, 0, len(items))
	for _, item := range items {
		events = append(events, model.RawEvent{
			ID:         uuid.NewString(),
			Source:     a.name,
			Payload:    item,
			ReceivedAt: time.Now().UTC(),
		})
	}
	return events, next, nil
}

func splitItems(body []byte, cursor string) ([]json.RawMessage, string, error) {
	trimmed := 0
	for trimmed < len(body) && body[trimmed] <= ' ' {
		trimmed++
	}
	if trimmed < len(body) && body[trimmed] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, cursor, err
		}
		return items, cursor, nil
	}
	var env httpEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, cursor, err
	}
	next := env.NextCursor
	if next == "" {
		next = cursor
	}
	return env.Items, next, nil
}

func (a *HTTPAdapter) Health(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.url, nil)
	if err != nil {
		return Down
	}
	a.decorate(req)
	resp, err := a.client.Do(req)
	if err != nil {
		return Down
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Degraded
	}
	return Healthy
}

func (a *HTTPAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *HTTPAdapter) decorate(req *http.Request) {
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
}
