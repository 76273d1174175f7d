package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xraph/conveyor/job"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	root := newRootCmd(cfg)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("conveyor %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != backendSQLite {
		t.Errorf("Backend = %q, want sqlite", cfg.Backend)
	}
	if cfg.VisibilityTimeout != 30*time.Second {
		t.Errorf("VisibilityTimeout = %s, want 30s", cfg.VisibilityTimeout)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CONVEYOR_BACKEND", "redis")
	t.Setenv("CONVEYOR_DSN", "redis://localhost:6379/0")
	t.Setenv("CONVEYOR_CONCURRENCY", "4")
	t.Setenv("CONVEYOR_VISIBILITY_TIMEOUT", "2m")
	t.Setenv("CONVEYOR_COUNT_ORPHAN_ATTEMPT", "true")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != backendRedis || cfg.DSN != "redis://localhost:6379/0" {
		t.Errorf("backend = %q %q", cfg.Backend, cfg.DSN)
	}
	ec := cfg.engineConfig()
	if ec.Concurrency != 4 || ec.VisibilityTimeout != 2*time.Minute || !ec.CountOrphanAttempt {
		t.Errorf("engineConfig = %+v", ec)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config)
	}{
		{"unknown backend", func(c *config) { c.Backend = "cassandra" }},
		{"zero concurrency", func(c *config) { c.Concurrency = 0 }},
		{"heartbeat not below visibility", func(c *config) { c.HeartbeatInterval = c.VisibilityTimeout }},
		{"zero poll interval", func(c *config) { c.PollInterval = 0 }},
		{"negative poll interval", func(c *config) { c.PollInterval = -time.Second }},
		{"zero schedule tick", func(c *config) { c.ScheduleTick = 0 }},
		{"zero visibility timeout", func(c *config) {
			c.VisibilityTimeout = 0
			c.HeartbeatInterval = -time.Second
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig()
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRequireDSN(t *testing.T) {
	for _, backend := range []string{backendPostgres, backendMySQL, backendRedis, backendMongo} {
		cfg := &config{Backend: backend}
		if err := requireDSN(cfg); err == nil {
			t.Errorf("%s without DSN should fail", backend)
		}
	}
}

func TestCLI_SQLiteRoundTrip(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "conveyor.db")
	base := []string{"--backend", "sqlite", "--dsn", dsn, "--log-level", "error"}
	cmd := func(args ...string) string {
		return run(t, append(append([]string{}, args...), base...)...)
	}

	cmd("migrate")

	jobID := strings.TrimSpace(cmd("push", "log", `{"msg":"hi"}`, "--max-attempts", "3"))
	if !strings.HasPrefix(jobID, "job_") {
		t.Fatalf("push printed %q, want a job ID", jobID)
	}

	if out := cmd("get", jobID); !strings.Contains(out, `"task_type": "log"`) {
		t.Errorf("get output missing task type:\n%s", out)
	}
	if out := cmd("list", "--state", "pending"); !strings.Contains(out, jobID) {
		t.Errorf("list output missing job:\n%s", out)
	}
	if out := cmd("stats"); !strings.Contains(out, "pending  1") {
		t.Errorf("stats output:\n%s", out)
	}
	if out := cmd("reap"); !strings.Contains(out, "reclaimed 0 jobs") {
		t.Errorf("reap output:\n%s", out)
	}
	if out := cmd("vacuum"); !strings.Contains(out, "deleted 0 jobs") {
		t.Errorf("vacuum output:\n%s", out)
	}
}

func TestCLI_Schedules(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "conveyor.db")
	base := []string{"--backend", "sqlite", "--dsn", dsn, "--log-level", "error"}
	cmd := func(args ...string) string {
		return run(t, append(append([]string{}, args...), base...)...)
	}

	cmd("migrate")
	cmd("schedule", "add", "nightly", "0 3 * * *", "log")
	cmd("schedule", "pause", "nightly")

	out := cmd("schedule", "list")
	if !strings.Contains(out, "nightly") || !strings.Contains(out, "false") {
		t.Errorf("schedule list after pause:\n%s", out)
	}

	cmd("schedule", "delete", "nightly")
	if out := cmd("schedule", "list"); strings.Contains(out, "nightly") {
		t.Errorf("schedule still listed after delete:\n%s", out)
	}
}

func TestLogTaskLogsTypedAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	j, err := job.New(logTask, []byte(`{"msg":"hi"}`), job.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	ctx := job.WithInfo(context.Background(), j)
	if err := logTaskHandler(logger)(ctx, json.RawMessage(j.Payload)); err != nil {
		t.Fatal(err)
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if rec["job_id"] != j.ID.String() {
		t.Errorf("job_id = %v, want %s", rec["job_id"], j.ID)
	}
	if rec["task_type"] != logTask {
		t.Errorf("task_type = %v, want %s", rec["task_type"], logTask)
	}
	if rec["payload"] != `{"msg":"hi"}` {
		t.Errorf("payload = %v", rec["payload"])
	}
}
