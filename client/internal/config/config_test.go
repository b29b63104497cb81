package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "client.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FACERELAY_SERVER_URL", "")
	t.Setenv("FACERELAY_LOG_LEVEL", "")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Client.ServerURL != DefaultServerURL || cfg.Client.BufferSize != DefaultBufferSize {
		t.Errorf("defaults: got %+v", cfg.Client)
	}
	u, err := cfg.Client.WebsocketURL()
	if err != nil {
		t.Fatalf("WebsocketURL: %v", err)
	}
	if u != "ws://localhost:7777/socket.io/?EIO=4&transport=websocket" {
		t.Errorf("WebsocketURL: got %q", u)
	}
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, `client:
  server_url: https://relay.example.com
  path: relay
  buffer_size: 5
  dial_timeout: 2s
  log_level: debug
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Client.BufferSize != 5 || cfg.Client.DialTimeout != 2*time.Second {
		t.Errorf("got %+v", cfg.Client)
	}
	u, _ := cfg.Client.WebsocketURL()
	if u != "wss://relay.example.com/relay/?EIO=4&transport=websocket" {
		t.Errorf("WebsocketURL: got %q", u)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, "client:\n  server_url: http://a:1\n")
	t.Setenv("FACERELAY_SERVER_URL", "ws://b:2")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Client.ServerURL != "ws://b:2" {
		t.Errorf("server_url: got %q", cfg.Client.ServerURL)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name, yaml, want string
	}{
		{"scheme", "client:\n  server_url: ftp://x\n", "scheme"},
		{"buffer", "client:\n  buffer_size: 0\n", "buffer_size"},
		{"timeout", "client:\n  dial_timeout: 0s\n", "dial_timeout"},
		{"level", "client:\n  log_level: loud\n", "log_level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
