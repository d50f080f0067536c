package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Providers(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/conduit
log_level: debug
providers:
  files:
    transport: subprocess
    command: file-server
    args: ["--root", "/srv"]
    env:
      LOG_LEVEL: debug
    handshake_timeout_sec: 10
    auto_restart: true
  search:
    transport: sse
    url: https://search.internal/mcp
    headers:
      Authorization: Bearer token
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	files, ok := cfg.Providers["files"]
	if !ok {
		t.Fatal("provider files missing")
	}
	if files.Name != "files" {
		t.Errorf("name = %q, want files (populated from map key)", files.Name)
	}
	if files.Command != "file-server" {
		t.Errorf("command = %q", files.Command)
	}
	if files.HandshakeTimeout() != 10*time.Second {
		t.Errorf("handshake timeout = %v, want 10s", files.HandshakeTimeout())
	}
	if !files.AutoRestart {
		t.Error("auto_restart should be true")
	}

	search := cfg.Providers["search"]
	if search.Transport != TransportSSE {
		t.Errorf("transport = %q, want sse", search.Transport)
	}
	if search.CallTimeout() != 30*time.Second {
		t.Errorf("default call timeout = %v, want 30s", search.CallTimeout())
	}
}

func TestLoad_StaticTools(t *testing.T) {
	path := writeConfig(t, `
providers:
  notes:
    transport: subprocess
    command: notes-server
    static_tools:
      - name: create_note
        description: Create a new note
        input_schema:
          type: object
          properties:
            title:
              type: string
          required: ["title"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tools := cfg.Providers["notes"].StaticTools
	if len(tools) != 1 {
		t.Fatalf("static tools = %d, want 1", len(tools))
	}
	if tools[0].Name != "create_note" {
		t.Errorf("tool name = %q", tools[0].Name)
	}
	if !tools[0].InputSchema.IsRequired("title") {
		t.Error("title should be required in static tool schema")
	}
}

func TestLoad_InvalidProvider(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"subprocess without command", "providers:\n  bad:\n    transport: subprocess\n"},
		{"sse without url", "providers:\n  bad:\n    transport: sse\n"},
		{"unknown transport", "providers:\n  bad:\n    transport: carrier-pigeon\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Error("Load should reject invalid provider")
			}
		})
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("CONDUIT_TEST_TOKEN", "sekrit")
	path := writeConfig(t, `
providers:
  remote:
    transport: sse
    url: https://example.test/mcp
    headers:
      Authorization: Bearer ${CONDUIT_TEST_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Providers["remote"].Headers["Authorization"]; got != "Bearer sekrit" {
		t.Errorf("header = %q, want expanded token", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tc := range cases {
		got, err := ParseLogLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
