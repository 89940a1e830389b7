package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.yaml.in/yaml/v3"
)

// isolate points the user config at an empty directory.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if !cfg.Mode.NonBlocking {
		t.Error("expected non-blocking mode by default")
	}
	if cfg.Executor.QueueDepth != 64 {
		t.Errorf("expected queue depth 64, got %d", cfg.Executor.QueueDepth)
	}
	if cfg.Executor.ExcerptBytes != 4096 {
		t.Errorf("expected excerpt bytes 4096, got %d", cfg.Executor.ExcerptBytes)
	}
	if cfg.Launch.Policy != PolicyJoin {
		t.Errorf("expected launch policy join, got %q", cfg.Launch.Policy)
	}
	if cfg.Reaper.GracePeriod != 30*time.Second {
		t.Errorf("expected grace period 30s, got %v", cfg.Reaper.GracePeriod)
	}
	if cfg.Retention.MaxAge != 720*time.Hour || cfg.Retention.KeepLast != 50 {
		t.Errorf("unexpected retention defaults: %+v", cfg.Retention)
	}
	if cfg.Store.Dir != ".vigil" || cfg.Store.Driver != "sqlite" {
		t.Errorf("unexpected store defaults: %+v", cfg.Store)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config is invalid: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
mode:
  non_blocking: false
executor:
  workers: 3
  class_limits:
    heavy: 1
launch:
  policy: refuse
reaper:
  grace_period: 45s
tools:
  lint:
    command: golangci-lint run
    timeout: 2m
    concurrency_class: heavy
    error_exit_codes: [2, 3]
    max_warnings: 10
    output:
      format: json
      errors: Issues
  spell:
    command: codespell {files}
    required: false
    enabled: false
    patterns: ["*.md"]
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Mode.NonBlocking {
		t.Error("expected blocking mode")
	}
	if cfg.WorkerCount() != 3 {
		t.Errorf("expected 3 workers, got %d", cfg.WorkerCount())
	}
	if cfg.Executor.ClassLimits["heavy"] != 1 {
		t.Errorf("expected heavy class limit 1, got %v", cfg.Executor.ClassLimits)
	}
	if cfg.Launch.Policy != PolicyRefuse {
		t.Errorf("expected refuse policy, got %q", cfg.Launch.Policy)
	}
	if cfg.Reaper.GracePeriod != 45*time.Second {
		t.Errorf("expected grace period 45s, got %v", cfg.Reaper.GracePeriod)
	}
	// Unset keys keep their defaults.
	if cfg.Executor.QueueDepth != 64 {
		t.Errorf("expected default queue depth, got %d", cfg.Executor.QueueDepth)
	}

	lint, ok := cfg.Tools["lint"]
	if !ok {
		t.Fatal("lint tool missing")
	}
	if lint.Timeout != 2*time.Minute {
		t.Errorf("expected lint timeout 2m, got %v", lint.Timeout)
	}
	if !lint.IsRequired() || !lint.IsEnabled() {
		t.Error("lint should default to required and enabled")
	}
	if lint.MaxWarnings == nil || *lint.MaxWarnings != 10 {
		t.Errorf("expected max_warnings 10, got %v", lint.MaxWarnings)
	}
	if len(lint.ErrorExitCodes) != 2 || lint.ErrorExitCodes[0] != 2 {
		t.Errorf("unexpected error exit codes %v", lint.ErrorExitCodes)
	}
	if lint.Output.Format != "json" || lint.Output.Errors != "Issues" {
		t.Errorf("unexpected output config %+v", lint.Output)
	}

	spell := cfg.Tools["spell"]
	if spell.IsRequired() || spell.IsEnabled() {
		t.Error("spell should be optional and disabled")
	}
	if len(spell.Patterns) != 1 || spell.Patterns[0] != "*.md" {
		t.Errorf("unexpected patterns %v", spell.Patterns)
	}

	if got := cfg.ToolNames(); len(got) != 2 || got[0] != "lint" || got[1] != "spell" {
		t.Errorf("ToolNames() = %v", got)
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad policy", "launch:\n  policy: queue\n"},
		{"bad driver", "store:\n  driver: postgres\n"},
		{"bad output format", "tools:\n  x:\n    command: x\n    output:\n      format: xml\n"},
		{"bad class limit", "executor:\n  class_limits:\n    heavy: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFromPath(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFrom_ProjectConfigWalkUp(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	content := "executor:\n  workers: 7\ntools:\n  vet:\n    command: go vet ./...\n"
	if err := os.WriteFile(filepath.Join(root, ProjectConfigName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(nested)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Executor.Workers != 7 {
		t.Errorf("expected workers 7 from project config, got %d", cfg.Executor.Workers)
	}
	if cfg.Tools["vet"].Command != "go vet ./..." {
		t.Errorf("vet tool not loaded: %+v", cfg.Tools)
	}
	if got := GetProjectConfigPath(nested); got != filepath.Join(root, ProjectConfigName) {
		t.Errorf("GetProjectConfigPath() = %q", got)
	}
}

func TestLoadFrom_ProjectOverridesUser(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	if err := os.MkdirAll(filepath.Join(xdg, "vigil"), 0755); err != nil {
		t.Fatal(err)
	}
	user := "executor:\n  workers: 2\n  queue_depth: 10\n"
	if err := os.WriteFile(filepath.Join(xdg, "vigil", "config.yaml"), []byte(user), 0644); err != nil {
		t.Fatal(err)
	}
	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, ProjectConfigName), []byte("executor:\n  workers: 5\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(project)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Executor.Workers != 5 {
		t.Errorf("project config should win, got workers=%d", cfg.Executor.Workers)
	}
	if cfg.Executor.QueueDepth != 10 {
		t.Errorf("user config should apply where project is silent, got %d", cfg.Executor.QueueDepth)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("VIGIL_WORKERS", "9")
	t.Setenv("VIGIL_LAUNCH_POLICY", "refuse")

	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Executor.Workers != 9 {
		t.Errorf("expected workers from VIGIL_WORKERS, got %d", cfg.Executor.Workers)
	}
	if cfg.Launch.Policy != PolicyRefuse {
		t.Errorf("expected policy from VIGIL_LAUNCH_POLICY, got %q", cfg.Launch.Policy)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")

	dir := getUserConfigDir()
	expected := "/custom/config/vigil"
	if dir != expected {
		t.Errorf("expected %q, got %q", expected, dir)
	}
}

func TestStoreDir(t *testing.T) {
	cfg := Default()
	if got := cfg.StoreDir("/repo"); got != "/repo/.vigil" {
		t.Errorf("StoreDir() = %q", got)
	}
	cfg.Store.Dir = "/var/vigil"
	if got := cfg.StoreDir("/repo"); got != "/var/vigil" {
		t.Errorf("absolute StoreDir() = %q", got)
	}
}

func TestEffectiveYAML(t *testing.T) {
	isolate(t)
	out, err := EffectiveYAML(t.TempDir())
	if err != nil {
		t.Fatalf("EffectiveYAML failed: %v", err)
	}
	for _, want := range []string{"executor:", "queue_depth: 64", "policy: join"} {
		if !strings.Contains(string(out), want) {
			t.Errorf("effective config missing %q:\n%s", want, out)
		}
	}
}

func TestExampleProjectYAML_Loads(t *testing.T) {
	data, err := ExampleProjectYAML()
	if err != nil {
		t.Fatalf("ExampleProjectYAML failed: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("example is not valid YAML: %v", err)
	}

	path := filepath.Join(t.TempDir(), ProjectConfigName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("example does not load: %v", err)
	}
	if len(cfg.Tools) != 4 {
		t.Errorf("expected 4 example tools, got %d", len(cfg.Tools))
	}
	if cfg.Tools["codespell"].IsRequired() {
		t.Error("codespell should be optional in the example")
	}
}
