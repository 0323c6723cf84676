package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/salonkit/concierge/internal/realtime"
)

type fakePool struct {
	stats   realtime.PoolStats
	healthy bool
}

func (f *fakePool) Stats() realtime.PoolStats { return f.stats }
func (f *fakePool) Healthy() bool             { return f.healthy }

func TestHealthzReportsPoolStats(t *testing.T) {
	pool := &fakePool{
		stats: realtime.PoolStats{
			Conversations: 7,
			Ready:         2,
			Sessions: []realtime.SessionStats{
				{ID: "abc123", State: "ready", Load: 4, Capacity: 20},
				{ID: "def456", State: "ready", Load: 3, Capacity: 20},
			},
		},
		healthy: true,
	}
	srv := NewServer(":0", pool, prometheus.NewRegistry(), testLogger())

	rec := httptest.NewRecorder()
	srv.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Ready != 2 || resp.Conversations != 7 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Sessions) != 2 || resp.Sessions[0].ID != "abc123" {
		t.Errorf("sessions = %+v", resp.Sessions)
	}
}

func TestHealthzDegradedWhenPoolDown(t *testing.T) {
	srv := NewServer(":0", &fakePool{healthy: false}, prometheus.NewRegistry(), testLogger())

	rec := httptest.NewRecorder()
	srv.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestServerServesMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	srv := NewServer("127.0.0.1:0", &fakePool{healthy: true}, registry, testLogger())

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	}()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
