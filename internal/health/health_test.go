package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/yourjinKR/myFitSync-sub000/internal/connection"
)

type fakeState struct {
	state    connection.State
	failures int
}

func (f fakeState) State() connection.State { return f.state }
func (f fakeState) Failures() int { return f.failures }

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

type fakeCounter int

func (c fakeCounter) Subscriptions() int { return int(c) }

func TestChecker_Check(t *testing.T) {
	tests := []struct {
		name      string
		redis     Pinger
		wantRedis string
	}{
		{"no redis", nil, "not configured"},
		{"redis up", fakePinger{}, "connected"},
		{"redis down", fakePinger{err: errors.New("refused")}, "disconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewChecker(fakeState{state: connection.StateReconnecting, failures: 2}, tt.redis, fakeCounter(6))
			status := h.Check(context.Background())

			if status.Redis != tt.wantRedis {
				t.Errorf("Redis = %q, want %q", status.Redis, tt.wantRedis)
			}
			if status.Connection != connection.StateReconnecting.String() || status.Failures != 2 {
				t.Errorf("connection = %q/%d", status.Connection, status.Failures)
			}
			if status.Subscriptions != 6 {
				t.Errorf("Subscriptions = %d, want 6", status.Subscriptions)
			}
		})
	}
}

func TestChecker_Endpoints(t *testing.T) {
	tests := []struct {
		name  string
		state connection.State
		path  string
		want  int
	}{
		{"health while lost", connection.StateLost, "/health", http.StatusOK},
		{"ready while connected", connection.StateConnected, "/ready", http.StatusOK},
		{"ready while reconnecting", connection.StateReconnecting, "/ready", http.StatusServiceUnavailable},
		{"ready while lost", connection.StateLost, "/ready", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewChecker(fakeState{state: tt.state}, nil, nil)
			rec := httptest.NewRecorder()
			h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.want {
				t.Errorf("status code = %d, want %d", rec.Code, tt.want)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var status Status
			if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if status.Connection != tt.state.String() {
				t.Errorf("body connection = %q, want %q", status.Connection, tt.state.String())
			}
		})
	}
}
