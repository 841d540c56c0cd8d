package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/mathreel/internal/config"
	"github.com/zulandar/mathreel/internal/notify"
	"github.com/zulandar/mathreel/internal/pipeline"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "mreel dev") {
		t.Errorf("expected output to contain 'mreel dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.2.0", "abc123", "2026-10-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "mreel 1.2.0 (commit: abc123, built: 2026-10-01)") {
		t.Errorf("unexpected version output: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("help command failed: %v", err)
	}

	out := buf.String()
	for _, sub := range []string{"serve", "run", "status", "resume", "sweep", "db", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help output to list %q, got: %s", sub, out)
		}
	}
}

func TestArgsValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"run without image", []string{"run"}},
		{"status without id", []string{"status"}},
		{"resume with two ids", []string{"resume", "a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			buf := new(bytes.Buffer)
			cmd.SetOut(buf)
			cmd.SetErr(buf)
			cmd.SetArgs(tt.args)
			if err := cmd.Execute(); err == nil {
				t.Fatal("expected argument error")
			}
		})
	}
}

func TestRunCmd_MissingImage(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"run", filepath.Join(t.TempDir(), "nope.png")})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing image")
	}
	if !strings.Contains(err.Error(), "read image") {
		t.Errorf("error = %q, want read image prefix", err.Error())
	}
}

func TestLoadConfig_DefaultPathMissing(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *cfg != *config.Default() {
		t.Error("expected built-in defaults when mathreel.yaml is absent")
	}
}

func TestLoadConfig_ExplicitPathMissing(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "custom.yaml")); err == nil {
		t.Fatal("expected error for an explicit missing config")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger(new(bytes.Buffer), "debug"); err != nil {
		t.Errorf("debug: unexpected error: %v", err)
	}
	if _, err := newLogger(new(bytes.Buffer), "chatty"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestBuildNotifier_NoTokens(t *testing.T) {
	cfg := config.Default()
	cfg.Notify.SlackChannel = "C123"
	logger, _ := newLogger(new(bytes.Buffer), "info")

	n, err := buildNotifier(cfg, config.Secrets{}, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := n.(notify.Nop); !ok {
		t.Errorf("notifier = %T, want notify.Nop", n)
	}
}

func TestPrintJSON_NotTerminal(t *testing.T) {
	buf := new(bytes.Buffer)
	if err := printJSON(buf, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "{\"a\":1}\n" {
		t.Errorf("printJSON = %q, want compact output", got)
	}
}

func TestResultErr(t *testing.T) {
	if err := resultErr(&pipeline.Result{Status: pipeline.StatusDone}); err != nil {
		t.Errorf("done: unexpected error %v", err)
	}
	if err := resultErr(nil); err != nil {
		t.Errorf("nil: unexpected error %v", err)
	}
	err := resultErr(&pipeline.Result{SessionID: "s1", Status: pipeline.StatusRenderFailed})
	if err == nil || !strings.Contains(err.Error(), "render_failed") {
		t.Errorf("render_failed: err = %v", err)
	}
}

func TestDBMigrate_SQLite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mathreel.yaml")
	yaml := "store:\n  driver: sqlite\n  path: " + filepath.Join(dir, "reel.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "migrate", "-c", cfgPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db migrate failed: %v\n%s", err, buf.String())
	}
	if !strings.Contains(buf.String(), "Migrated") {
		t.Errorf("expected migrate output, got: %s", buf.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "reel.db")); errors.Is(err, os.ErrNotExist) {
		t.Error("expected sqlite file to be created")
	}
}

func TestStatusCmd_NeedsNoAPIKeys(t *testing.T) {
	t.Setenv("GENERATOR_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mathreel.yaml")
	yaml := "store:\n  driver: sqlite\n  path: " + filepath.Join(dir, "reel.db") + "\n" +
		"blob:\n  backend: local\n  dir: " + filepath.Join(dir, "blobs") + "\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	_, store, _, err := openStore(context.Background(), cfg, config.Secrets{})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.RecordStatus(context.Background(), "sess-1", pipeline.StatusAnalyzed, nil); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"status", "sess-1", "-c", cfgPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out.String(), `"status": "analyzed"`) && !strings.Contains(out.String(), `"status":"analyzed"`) {
		t.Errorf("expected analyzed status, got: %s", out.String())
	}

	cmd = newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"status", "missing", "-c", cfgPath})
	err = cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got: %v", err)
	}
}
