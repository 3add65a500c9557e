package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/droverhq/drover/internal/policy"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load(zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Service.Port != 8080 || cfg.Service.AdminPort != 8081 {
		t.Errorf("unexpected ports: %d/%d", cfg.Service.Port, cfg.Service.AdminPort)
	}
	if cfg.Dispatch.BatchSize != 8 || cfg.Dispatch.Interval != 2*time.Second {
		t.Errorf("unexpected dispatch defaults: %+v", cfg.Dispatch)
	}
	if cfg.Hierarchy.MaxDepth != 10 {
		t.Errorf("expected depth 10, got %d", cfg.Hierarchy.MaxDepth)
	}
	if cfg.Policy.Enabled {
		t.Error("policy should default to disabled")
	}
	if cfg.Mailbox.Retention.MaxAge != 24*time.Hour {
		t.Errorf("unexpected retention age: %v", cfg.Mailbox.Retention.MaxAge)
	}
	if cfg.Streaming.MirrorEnabled {
		t.Error("mirror must be off without a Redis URL")
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "drover.yaml")
	doc := `
service:
  port: 9999
dispatch:
  batch_size: 50
  call_timeout: 90s
hierarchy:
  max_depth: 64
tracker:
  enabled: true
  rules:
    - event_type: issue_opened
      label: urgent
      role: firefighter
      task_template: "Handle {ISSUE_ID}: {TITLE}"
      budget: 20000
`
	if err := os.WriteFile(file, []byte(doc), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", file)
	t.Setenv("DROVER_SERVICE_PORT", "7777")

	cfg, err := Load(zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Service.Port != 7777 {
		t.Errorf("environment should win over the file, got port %d", cfg.Service.Port)
	}
	if cfg.Dispatch.BatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", cfg.Dispatch.BatchSize)
	}
	if cfg.Dispatch.CallTimeout != 90*time.Second {
		t.Errorf("expected 90s call timeout, got %v", cfg.Dispatch.CallTimeout)
	}
	if cfg.Hierarchy.MaxDepth != 32 {
		t.Errorf("depth should clamp to 32, got %d", cfg.Hierarchy.MaxDepth)
	}
	if len(cfg.Tracker.Rules) != 1 {
		t.Fatalf("expected 1 tracker rule, got %d", len(cfg.Tracker.Rules))
	}
	rule := cfg.Tracker.Rules[0]
	if rule.EventType != "issue_opened" || rule.Label != "urgent" || rule.Budget != 20000 {
		t.Errorf("unexpected rule: %+v", rule)
	}
}

func TestLoad_ConfigPathDirectory(t *testing.T) {
	dir := t.TempDir()
	doc := "service:\n  port: 9001\n"
	if err := os.WriteFile(filepath.Join(dir, "drover.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", dir)

	cfg, err := Load(zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Service.Port != 9001 {
		t.Errorf("expected port 9001, got %d", cfg.Service.Port)
	}
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := Load(zaptest.NewLogger(t)); err == nil {
		t.Fatal("an explicitly named config file that is missing must fail the load")
	}
}

func TestValidate_AuthSecretRequired(t *testing.T) {
	cfg := &Config{}
	cfg.Auth.Enabled = true

	err := cfg.Validate(zaptest.NewLogger(t))
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("expected a jwt_secret error, got %v", err)
	}

	cfg.Auth.SkipAuth = true
	if err := cfg.Validate(zaptest.NewLogger(t)); err != nil {
		t.Fatalf("skip_auth should bypass the secret requirement: %v", err)
	}
}

func TestValidate_ClampsZeroConfig(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(zaptest.NewLogger(t)); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Service.Port != 8080 || cfg.Service.AdminPort != 8081 {
		t.Errorf("unexpected ports: %+v", cfg.Service)
	}
	if cfg.Database.Host != "localhost" || cfg.Database.Port != 5432 {
		t.Errorf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Budget.BackpressureThreshold != 0.8 {
		t.Errorf("expected threshold 0.8, got %f", cfg.Budget.BackpressureThreshold)
	}
	if cfg.Policy.Mode != policy.ModeOff {
		t.Errorf("zero policy config should normalize to off, got %s", cfg.Policy.Mode)
	}
	if cfg.Workspace.BasePath == "" {
		t.Error("workspace base path must get a default")
	}
}

func TestValidate_AdminPortCollision(t *testing.T) {
	cfg := &Config{}
	cfg.Service.Port = 9000
	cfg.Service.AdminPort = 9000
	if err := cfg.Validate(zaptest.NewLogger(t)); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Service.AdminPort != 9001 {
		t.Errorf("expected the admin port shifted to 9001, got %d", cfg.Service.AdminPort)
	}
}

func TestFromMap(t *testing.T) {
	cfg, err := FromMap(map[string]interface{}{
		"service": map[string]interface{}{"port": 9100},
		"dispatch": map[string]interface{}{
			"concurrency": 9,
			"interval":    "3s",
		},
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("FromMap failed: %v", err)
	}
	if cfg.Service.Port != 9100 {
		t.Errorf("expected port 9100, got %d", cfg.Service.Port)
	}
	if cfg.Dispatch.Concurrency != 9 || cfg.Dispatch.Interval != 3*time.Second {
		t.Errorf("unexpected dispatch config: %+v", cfg.Dispatch)
	}
	if cfg.Executor.Endpoint == "" {
		t.Error("defaults must fill sections the document omits")
	}
}

func TestLoggingBuild(t *testing.T) {
	logger, err := LoggingConfig{Level: "debug", Encoding: "console"}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	logger.Debug("config logging smoke test")
	_ = logger.Sync()

	if _, err := (LoggingConfig{Level: "shouting"}).Build(); err == nil {
		t.Fatal("expected an error for an invalid level")
	}
}
