package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
[log]
level = "debug"
format = "json"

[system]
sys_root = "/host/sys"
dev_root = "/host/dev"
mount_info = "/host/proc/1/mountinfo"

[monitor]
queue_depth = 16
mount_poll_interval = "1s"
rearm_initial = "100ms"
rearm_max = "3s"
rearm_attempts = 7

[journal]
enabled = true
path = "/tmp/journal.db"

[policy]
enforce = true
block_suspect = true

[inspect]
enabled = true
max_files = 20
`
	path := writeTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.System.SysRoot != "/host/sys" || cfg.System.DevRoot != "/host/dev" {
		t.Errorf("system = %+v", cfg.System)
	}
	if cfg.Monitor.QueueDepth != 16 {
		t.Errorf("monitor.queue_depth = %d, want 16", cfg.Monitor.QueueDepth)
	}
	if cfg.Monitor.MountPollInterval != Duration(time.Second) {
		t.Errorf("monitor.mount_poll_interval = %v, want 1s", cfg.Monitor.MountPollInterval)
	}
	if cfg.Monitor.RearmInitial != Duration(100*time.Millisecond) {
		t.Errorf("monitor.rearm_initial = %v, want 100ms", cfg.Monitor.RearmInitial)
	}
	if cfg.Monitor.RearmAttempts != 7 {
		t.Errorf("monitor.rearm_attempts = %d, want 7", cfg.Monitor.RearmAttempts)
	}
	if !cfg.Journal.Enabled || cfg.Journal.Path != "/tmp/journal.db" {
		t.Errorf("journal = %+v", cfg.Journal)
	}
	if !cfg.Policy.Enforce || !cfg.Policy.BlockSuspect {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if !cfg.Inspect.Enabled || cfg.Inspect.MaxFiles != 20 {
		t.Errorf("inspect = %+v", cfg.Inspect)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Monitor.QueueDepth != DefaultQueueDepth {
		t.Errorf("queue_depth = %d, want default %d", cfg.Monitor.QueueDepth, DefaultQueueDepth)
	}
	if cfg.Monitor.RearmMax != DefaultRearmMax {
		t.Errorf("rearm_max = %v, want default %v", cfg.Monitor.RearmMax, DefaultRearmMax)
	}
	if cfg.System.MountInfo != DefaultMountInfo {
		t.Errorf("mount_info = %q, want default %q", cfg.System.MountInfo, DefaultMountInfo)
	}
	if cfg.Log.Level != DefaultLogLevel {
		t.Errorf("log.level = %q, want default %q", cfg.Log.Level, DefaultLogLevel)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad format", "[log]\nformat = \"xml\"\n", "log.format"},
		{"negative depth", "[monitor]\nqueue_depth = -1\n", "queue_depth"},
		{"max below initial", "[monitor]\nrearm_initial = \"5s\"\nrearm_max = \"1s\"\n", "rearm_max"},
		{"enforce without journal", "[policy]\nenforce = true\n", "journal.enabled"},
		{"bad duration", "[monitor]\nrearm_max = \"soon\"\n", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MultipleErrorsJoined(t *testing.T) {
	content := "[log]\nformat = \"xml\"\n[monitor]\nqueue_depth = -4\n"
	_, err := Load(writeTempConfig(t, content))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "log.format") || !strings.Contains(err.Error(), "queue_depth") {
		t.Errorf("error %q should report both problems", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Monitor.QueueDepth != DefaultQueueDepth {
		t.Errorf("queue_depth = %d, want default", cfg.Monitor.QueueDepth)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTempConfig(t, `this is not valid toml {{{`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid TOML")
	}
}

func TestGenerateExampleConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usbmon", "config.toml")

	result, err := GenerateExampleConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != path {
		t.Errorf("returned path = %q, want %q", result, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("cannot read generated file: %v", err)
	}
	if string(data) != ExampleConfig {
		t.Error("generated config does not match ExampleConfig")
	}

	// Verify the generated config is valid and loadable
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("generated config is not loadable: %v", err)
	}
	if cfg.Monitor.QueueDepth != 64 {
		t.Errorf("example queue_depth = %d, want 64", cfg.Monitor.QueueDepth)
	}
}

func TestGenerateExampleConfig_ExistingFile(t *testing.T) {
	path := writeTempConfig(t, "existing")

	_, err := GenerateExampleConfig(path)
	if err == nil {
		t.Fatal("expected error for existing file")
	}
	data, _ := os.ReadFile(path)
	if string(data) != "existing" {
		t.Error("existing file was overwritten")
	}
}

func TestDefaultPath_XDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/xdg/config")

	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "/custom/xdg/config/usbmon/config.toml"
	if path != expected {
		t.Errorf("path = %q, want %q", path, expected)
	}
}

func TestDuration_MarshalText(t *testing.T) {
	b, err := Duration(1500 * time.Millisecond).MarshalText()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "1.5s" {
		t.Errorf("MarshalText = %q, want 1.5s", b)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("cannot write temp config: %v", err)
	}
	return path
}
