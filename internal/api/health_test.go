package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	t.Parallel()

	errDown := errors.New("connection refused")

	tests := []struct {
		name       string
		db, valkey error
		wantStatus int
		wantState  string
		wantPG     string
		wantVK     string
	}{
		{name: "all healthy", wantStatus: http.StatusOK, wantState: "ok", wantPG: "ok", wantVK: "ok"},
		{name: "postgres down", db: errDown, wantStatus: http.StatusServiceUnavailable, wantState: "degraded", wantPG: "unavailable", wantVK: "ok"},
		{name: "valkey down", valkey: errDown, wantStatus: http.StatusServiceUnavailable, wantState: "degraded", wantPG: "ok", wantVK: "unavailable"},
		{name: "both down", db: errDown, valkey: errDown, wantStatus: http.StatusServiceUnavailable, wantState: "degraded", wantPG: "unavailable", wantVK: "unavailable"},
	}

	for _, tt := range tests {

		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := NewHealthHandler(fakePinger{err: tt.db}, fakePinger{err: tt.valkey})

			app := fiber.New()
			app.Get("/healthz", handler.Health)

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("reading body: %v", err)
			}
			var env struct {
				Data struct {
					Status   string `json:"status"`
					Postgres string `json:"postgres"`
					Valkey   string `json:"valkey"`
				} `json:"data"`
			}
			if err := json.Unmarshal(body, &env); err != nil {
				t.Fatalf("decoding body: %v\nraw: %s", err, body)
			}

			if env.Data.Status != tt.wantState {
				t.Errorf("status = %q, want %q", env.Data.Status, tt.wantState)
			}
			if env.Data.Postgres != tt.wantPG {
				t.Errorf("postgres = %q, want %q", env.Data.Postgres, tt.wantPG)
			}
			if env.Data.Valkey != tt.wantVK {
				t.Errorf("valkey = %q, want %q", env.Data.Valkey, tt.wantVK)
			}
		})
	}
}
