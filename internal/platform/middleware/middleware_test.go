package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"generated when absent", "", false},
		{"caller id kept", "upload-batch-7", true},
		{"oversized id replaced", strings.Repeat("x", 200), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/lab-documents/parse", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			var seen string
			err := RequestID()(func(c echo.Context) error {
				seen, _ = c.Get("request_id").(string)
				return nil
			})(c)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got := rec.Header().Get(RequestIDHeader)
			if got != seen {
				t.Errorf("response header %q differs from context value %q", got, seen)
			}
			if tt.keep && got != tt.header {
				t.Errorf("expected caller id %q, got %q", tt.header, got)
			}
			if !tt.keep && len(got) != 36 {
				t.Errorf("expected a generated uuid, got %q", got)
			}
		})
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/1/lab-history", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "rid-1")

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	if err := Logger(logger)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q", buf.String())
	}
	if line["level"] != "info" {
		t.Errorf("expected info level, got %v", line["level"])
	}
	if line["request_id"] != "rid-1" {
		t.Errorf("expected request_id rid-1, got %v", line["request_id"])
	}
	if line["status"] != float64(200) {
		t.Errorf("expected status 200, got %v", line["status"])
	}
}

func TestLogger_WarnsOnClientError(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}

	err := Logger(logger)(handler)(c)
	if err == nil {
		t.Fatal("expected the handler error to be returned")
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid log line %q", buf.String())
	}
	if line["level"] != "warn" || line["status"] != float64(400) {
		t.Errorf("expected warn/400, got %v/%v", line["level"], line["status"])
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients/p1/lab-documents", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "rid-9")

	err := Recovery(zerolog.New(&buf))(func(c echo.Context) error {
		panic("merge exploded")
	})(c)

	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q", buf.String())
	}
	if line["panic"] != "merge exploded" || line["request_id"] != "rid-9" || line["path"] != "/api/v1/patients/p1/lab-documents" {
		t.Errorf("unexpected panic log %v", line)
	}

	buf.Reset()
	if err := Recovery(zerolog.New(&buf))(func(c echo.Context) error { return nil })(c); err != nil {
		t.Errorf("unexpected error without panic: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no log without panic, got %q", buf.String())
	}
}

func TestRecovery_RepanicsAbort(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Errorf("expected ErrAbortHandler to propagate, got %v", r)
		}
	}()
	_ = Recovery(zerolog.Nop())(func(c echo.Context) error {
		panic(http.ErrAbortHandler)
	})(c)
}
