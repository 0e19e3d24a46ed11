package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	content := fmt.Sprintf(`
[paths]
data_dir = %q
cache_dir = %q
log_dir = %q
`,
		filepath.Join(base, "data"),
		filepath.Join(base, "cache"),
		filepath.Join(base, "logs"),
	)
	path := filepath.Join(base, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, configPath string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCLICreateListShow(t *testing.T) {
	configPath := writeTestConfig(t)

	out, _, err := runCLI(t, configPath, "create", "img://opening", "--segments", "2", "--external-ref", "ext-77")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fields := strings.Fields(out)
	if len(fields) < 3 || fields[0] != "created" {
		t.Fatalf("unexpected create output: %q", out)
	}
	unitID := fields[2]

	out, _, err = runCLI(t, configPath, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, unitID) || !strings.Contains(out, "pending") || !strings.Contains(out, "ext-77") {
		t.Fatalf("unexpected list output: %q", out)
	}

	out, _, err = runCLI(t, configPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "pending") || !strings.Contains(out, "total") {
		t.Fatalf("unexpected status output: %q", out)
	}

	out, _, err = runCLI(t, configPath, "list", "--status", "completed")
	if err != nil {
		t.Fatalf("list --status: %v", err)
	}
	if !strings.Contains(out, "no units") {
		t.Fatalf("expected empty filtered list, got %q", out)
	}

	if _, _, err := runCLI(t, configPath, "list", "--status", "bogus"); err == nil {
		t.Fatal("expected error for unknown status filter")
	}

	out, _, err = runCLI(t, configPath, "show", unitID)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, unitID) || !strings.Contains(out, "img://opening") {
		t.Fatalf("unexpected show output: %q", out)
	}

	if _, _, err := runCLI(t, configPath, "show", "no-such-unit"); err == nil {
		t.Fatal("expected error for unknown unit")
	}
}

func TestCLIDuplicateExternalRef(t *testing.T) {
	configPath := writeTestConfig(t)

	if _, _, err := runCLI(t, configPath, "create", "img://a", "--external-ref", "ext-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _, err := runCLI(t, configPath, "create", "img://b", "--external-ref", "ext-1")
	if err == nil || !strings.Contains(err.Error(), "ext-1") {
		t.Fatalf("expected duplicate external ref error, got %v", err)
	}
}

func TestCLIConfigInitAndValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	target := filepath.Join(t.TempDir(), "config.toml")

	out, _, err := runCLI(t, "", "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, "Wrote sample configuration") {
		t.Fatalf("unexpected init output: %q", out)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, "", "config", "init", "--path", target); err == nil {
		t.Fatal("expected refusal to overwrite existing config")
	}

	out, _, err = runCLI(t, target, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "Configuration is valid.") {
		t.Fatalf("unexpected validate output: %q", out)
	}
}
