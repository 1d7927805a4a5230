package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/shim/status", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/shim/status", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry %q: %v", buf.String(), err)
	}
	if entry["msg"] != "admin request" {
		t.Errorf("msg = %v, want %q", entry["msg"], "admin request")
	}
	if entry["path"] != "/shim/status" {
		t.Errorf("path = %v, want %q", entry["path"], "/shim/status")
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", entry["level"])
	}
}

func TestRequestLogger_Levels(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		handler   echo.HandlerFunc
		wantLevel string
		wantLog   bool
	}{
		{
			name:    "health probe is debug",
			path:    "/healthz",
			handler: func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
			wantLog: false,
		},
		{
			name:      "handler error is warn",
			path:      "/shim/status",
			handler:   func(c echo.Context) error { return echo.NewHTTPError(http.StatusServiceUnavailable) },
			wantLevel: "WARN",
			wantLog:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
			e := echo.New()
			e.Use(RequestLogger(logger))
			e.GET(tt.path, tt.handler)

			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			e.ServeHTTP(httptest.NewRecorder(), req)

			if !tt.wantLog {
				if buf.Len() != 0 {
					t.Errorf("unexpected log output %q", buf.String())
				}
				return
			}
			if !strings.Contains(buf.String(), `"level":"`+tt.wantLevel+`"`) {
				t.Errorf("log output %q, want level %s", buf.String(), tt.wantLevel)
			}
		})
	}
}
