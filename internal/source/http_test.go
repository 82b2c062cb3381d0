package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"riskgraph/internal/config"
)

func TestHTTPFetchEscapesCursor(t *testing.T) {
	const cursor = "page 2&token=a+b"
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query().Get("cursor")
		w.Write([]byte(`{"items": [{"finding": 1}], "next_cursor": "page-3"}`))
	}))
	defer srv.Close()

	a := NewHTTPAdapter("tenable", config.HTTPSourceConfig{URL: srv.URL, Timeout: time.Second})
	events, next, err := a.Fetch(context.Background(), cursor)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != cursor {
		t.Fatalf("cursor mangled in transit: sent %q, server saw %q", cursor, got)
	}
	if next != "page-3" {
		t.Fatalf("expected envelope cursor, got %q", next)
	}
	if len(events) != 1 || events[0].Source != "tenable" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestHTTPFetchBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"finding": 1}, {"finding": 2}]`))
	}))
	defer srv.Close()

	a := NewHTTPAdapter("tenable", config.HTTPSourceConfig{URL: srv.URL, Timeout: time.Second})
	events, next, err := a.Fetch(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected two events, got %d", len(events))
	}
	if next != "c1" {
		t.Fatalf("bare array must keep the caller's cursor, got %q", next)
	}
}
