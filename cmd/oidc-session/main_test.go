package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T, path string, extra string) {
	t.Helper()

	data := `listen:
  http: "127.0.0.1:0"
oidc:
  issuer: "https://idp.example.com/realms/test"
  client_id: "test-client"
  client_secret: "super-secret"
  redirect_uri: "http://localhost:9000/callback"
  scopes:
    - openid
session:
  backend: memory
  timeout: 300
log:
  level: "info"
  format: "json"
` + extra

	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func useConfig(t *testing.T, path string) {
	t.Helper()

	oldCfg := configFile
	oldExit := overrideExitCode
	t.Cleanup(func() {
		configFile = oldCfg
		overrideExitCode = oldExit
	})
	configFile = path
	overrideExitCode = -1
}

func TestCheckConfig_Valid(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeTestConfig(t, cfgPath, "")
	useConfig(t, cfgPath)

	var stdout, stderr bytes.Buffer
	if err := checkConfig(&stdout, &stderr); err != nil {
		t.Fatalf("checkConfig failed: %v", err)
	}
	if overrideExitCode != -1 {
		t.Fatalf("overrideExitCode = %d, want -1 (unset)", overrideExitCode)
	}

	out := stdout.String()
	if !strings.Contains(out, "Configuration is valid") {
		t.Errorf("expected success message, got %q", out)
	}
	if !strings.Contains(out, "client_id: test-client") {
		t.Errorf("expected effective configuration in output, got %q", out)
	}
	if strings.Contains(out, "super-secret") {
		t.Error("client secret must be redacted")
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Error("expected redaction marker")
	}
}

func TestCheckConfig_Invalid(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeTestConfig(t, cfgPath, "") // valid base, then break it
	data, _ := os.ReadFile(cfgPath)
	broken := strings.Replace(string(data), "backend: memory", "backend: etcd", 1)
	if err := os.WriteFile(cfgPath, []byte(broken), 0600); err != nil {
		t.Fatal(err)
	}
	useConfig(t, cfgPath)

	var stdout, stderr bytes.Buffer
	if err := checkConfig(&stdout, &stderr); err != nil {
		t.Fatalf("checkConfig returned unexpected error: %v", err)
	}
	if overrideExitCode != ExitConfig {
		t.Fatalf("overrideExitCode = %d, want %d (ExitConfig)", overrideExitCode, ExitConfig)
	}
	if !strings.Contains(stderr.String(), "session.backend") {
		t.Errorf("expected validation error on stderr, got %q", stderr.String())
	}
}

func TestRunServe_ConfigLoadFailure(t *testing.T) {
	useConfig(t, filepath.Join(t.TempDir(), "does-not-exist.yaml"))

	if err := runServe(nil, nil); err == nil {
		t.Fatal("expected runServe to fail, got nil")
	}
}

func TestPrintVersion(t *testing.T) {
	oldVersion, oldCommit, oldBuildDate := version, commit, buildDate
	t.Cleanup(func() {
		version, commit, buildDate = oldVersion, oldCommit, oldBuildDate
	})

	version = "1.2.3"
	commit = "deadbeef"
	buildDate = "2026-02-17"

	var buf bytes.Buffer
	printVersion(&buf)

	for _, want := range []string{"oidc-session version 1.2.3", "deadbeef", "2026-02-17", "Go version"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("expected %q in version output, got %q", want, buf.String())
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "version", "check-config"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}
