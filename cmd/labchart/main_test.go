package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ehr/labchart/internal/config"
	"github.com/ehr/labchart/internal/domain/labs"
	"github.com/ehr/labchart/internal/labparse"
	"github.com/ehr/labchart/internal/platform/auth"
	"github.com/ehr/labchart/internal/platform/metrics"
)

const report = `COLLECTED: 03/15/2024
GLUCOSE 209 65-99 MG/DL HIGH
SODIUM 139 135-146 MMOL/L NORMAL
REPORT FINAL
`

const testSigningKey = "0123456789abcdef0123456789abcdef"

func writeReport(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "report.txt")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write report: %v", err)
	}
	return path
}

// run executes the root command with args and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := newLogger("production", tt.level).GetLevel(); got != tt.want {
				t.Errorf("newLogger(%q) level = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestParseCmd(t *testing.T) {
	out, err := run(t, "parse", writeReport(t, report))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	var res labparse.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if res.Date != "2024-03-15" || res.DateSource != labparse.DateSourceReport {
		t.Errorf("unexpected date %q (%s)", res.Date, res.DateSource)
	}
	if len(res.Observations) != 2 || res.Observations[0].CanonicalName != "Glucose" {
		t.Errorf("unexpected observations %+v", res.Observations)
	}
}

func TestParseCmd_NeedsDate(t *testing.T) {
	undated := "Glucose 95 65-99 mg/dL Normal\n"
	if _, err := run(t, "parse", writeReport(t, undated)); err == nil {
		t.Fatal("expected error for undated report without --date")
	}

	out, err := run(t, "parse", "--date", "2024-05-01", writeReport(t, undated))
	if err != nil {
		t.Fatalf("parse with --date: %v", err)
	}
	if !strings.Contains(out, `"date_source": "fallback"`) {
		t.Errorf("expected fallback date source, got %s", out)
	}
}

func TestIngestCmd_FileStore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHART_STORE", "file")
	t.Setenv("CHART_DIR", dir)
	pid := uuid.New()
	path := writeReport(t, report)

	out, err := run(t, "ingest", "--patient", pid.String(), path)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	var res labs.IngestResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !res.Written || res.Merge.Added != 2 {
		t.Errorf("expected 2 added and written, got %+v written=%v", res.Merge, res.Written)
	}
	if _, err := os.Stat(filepath.Join(dir, pid.String()+".json")); err != nil {
		t.Errorf("expected chart file: %v", err)
	}

	out, err = run(t, "ingest", "--patient", pid.String(), path)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	res = labs.IngestResult{}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if res.Written || res.Merge.Skipped != 2 {
		t.Errorf("expected no write on re-ingest, got %+v written=%v", res.Merge, res.Written)
	}
}

func TestIngestCmd_Errors(t *testing.T) {
	t.Setenv("CHART_STORE", "file")
	t.Setenv("CHART_DIR", t.TempDir())
	path := writeReport(t, report)

	tests := []struct {
		name string
		args []string
	}{
		{"bad patient", []string{"ingest", "--patient", "nope", path}},
		{"bad mode", []string{"ingest", "--patient", uuid.NewString(), "--mode", "merge", path}},
		{"bad store", []string{"ingest", "--patient", uuid.NewString(), "--store", "s3", path}},
		{"bad format", []string{"ingest", "--patient", uuid.NewString(), "--format", "pdf", path}},
		{"missing file", []string{"ingest", "--patient", uuid.NewString(), filepath.Join(t.TempDir(), "none.txt")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, tt.args...); err == nil {
				t.Errorf("expected error for %v", tt.args)
			}
		})
	}
}

func TestRulesCmd(t *testing.T) {
	out, err := run(t, "rules")
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	var rules labparse.Rules
	if err := json.Unmarshal([]byte(out), &rules); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(rules.Templates) != len(labparse.DefaultTemplateSpecs()) {
		t.Errorf("expected default templates, got %d", len(rules.Templates))
	}

	if _, err := run(t, "rules", "--rules", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing rules file")
	}
}

func TestTokenCmd(t *testing.T) {
	t.Setenv("AUTH_SIGNING_KEY", "")
	if _, err := run(t, "token"); err == nil {
		t.Error("expected error without a signing key")
	}

	t.Setenv("AUTH_SIGNING_KEY", testSigningKey)
	out, err := run(t, "token", "--sub", "svc", "--roles", "nurse")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out), "."); len(parts) != 3 {
		t.Errorf("expected a JWT, got %q", out)
	}
}

func TestMigrateCmd_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := run(t, "migrate", "status"); err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("expected DATABASE_URL error, got %v", err)
	}
}

func testServerConfig(t *testing.T, env string) *config.Config {
	t.Helper()
	return &config.Config{
		Env:             env,
		ChartStore:      config.StoreFile,
		ChartDir:        t.TempDir(),
		LabMergeMode:    "skip",
		MaxDocumentSize: "1M",
		MaxBodySize:     "64K",
		AuthSigningKey:  testSigningKey,
		AuthIssuer:      "labchart",
		AuthAudience:    "labchart-api",
		CORSOrigins:     []string{"*"},
	}
}

func testService(t *testing.T, cfg *config.Config) *labs.Service {
	t.Helper()
	engine, err := labparse.NewEngine(labparse.DefaultRules(), zerolog.Nop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	store, err := labs.NewFileStore(cfg.ChartDir)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	return labs.NewService(store, store.Runs(), engine, zerolog.Nop())
}

func TestNewServer_Dev(t *testing.T) {
	cfg := testServerConfig(t, "development")
	collector := metrics.NewCollector("labchart_test", prometheus.NewRegistry())
	svc := testService(t, cfg)
	svc.SetMetrics(collector)

	e, err := newServer(cfg, zerolog.Nop(), svc, nil, collector)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"text": report})
	tests := []struct {
		name   string
		method string
		path   string
		body   []byte
		want   int
	}{
		{"health", http.MethodGet, "/health", nil, http.StatusOK},
		{"db health not mounted without pool", http.MethodGet, "/health/db", nil, http.StatusNotFound},
		{"metrics", http.MethodGet, "/metrics", nil, http.StatusOK},
		{"capability", http.MethodGet, "/fhir/metadata", nil, http.StatusOK},
		{"parse as dev user", http.MethodPost, "/api/v1/lab-documents/parse", body, http.StatusOK},
		{"history", http.MethodGet, "/api/v1/patients/" + uuid.NewString() + "/lab-history", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d: %s", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestNewServer_RequiresToken(t *testing.T) {
	cfg := testServerConfig(t, "production")
	e, err := newServer(cfg, zerolog.Nop(), testService(t, cfg), nil, nil)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	historyPath := "/api/v1/patients/" + uuid.NewString() + "/lab-history"

	// A zero ttl expires the token the moment it is issued.
	expired, err := auth.IssueToken(jwtConfig(cfg), "n1", []string{auth.RoleNurse}, 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	valid, err := auth.IssueToken(jwtConfig(cfg), "n1", []string{auth.RoleNurse}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"health is public", http.MethodGet, "/health", "", http.StatusOK},
		{"metadata is public", http.MethodGet, "/fhir/metadata", "", http.StatusOK},
		{"no token", http.MethodGet, historyPath, "", http.StatusUnauthorized},
		{"expired token", http.MethodGet, historyPath, expired, http.StatusUnauthorized},
		{"nurse reads", http.MethodGet, historyPath, valid, http.StatusOK},
		{"nurse cannot ingest", http.MethodPost, "/api/v1/patients/" + uuid.NewString() + "/lab-documents", valid, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{"documents":[]}`))
			req.Header.Set("Content-Type", "application/json")
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d: %s", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestNewServer_BadLimits(t *testing.T) {
	cfg := testServerConfig(t, "development")
	cfg.MaxDocumentSize = "lots"
	if _, err := newServer(cfg, zerolog.Nop(), testService(t, cfg), nil, nil); err == nil {
		t.Error("expected error for invalid MAX_DOCUMENT_SIZE")
	}
}
