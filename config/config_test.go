package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Clouded-Sabre/utcp/lib"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ConnConfig.MaxSegmentSize != lib.MaxSegmentSize || cfg.Linger != lib.Linger {
		t.Errorf("expected defaults, got mss=%d linger=%v", cfg.ConnConfig.MaxSegmentSize, cfg.Linger)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
mss: 1200
window: 4800
rto: 250ms
max_transmit: 0
handshake_rto: 50ms
max_handshake_attempts: 3
msl: 10s
accept_backlog: 16
cookie_secret: "not so secret"
packet_loss_rate: 0.05
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	testCases := []struct {
		name     string
		got      interface{}
		expected interface{}
	}{
		{"mss", cfg.ConnConfig.MaxSegmentSize, 1200},
		{"window", cfg.ConnConfig.Window, 4800},
		{"rto", cfg.ConnConfig.RTO, 250 * time.Millisecond},
		{"max_transmit", cfg.ConnConfig.MaxTransmit, 0},
		{"max_fin_attempts", cfg.ConnConfig.MaxFinAttempts, lib.MaxFinAttempts},
		{"handshake_rto", cfg.HandshakeRTO, 50 * time.Millisecond},
		{"max_handshake_attempts", cfg.MaxHandshakeAttempts, 3},
		{"msl", cfg.MSL, 10 * time.Second},
		{"linger", cfg.Linger, 20 * time.Second},
		{"accept_backlog", cfg.AcceptBacklog, 16},
		{"cookie_secret", string(cfg.CookieSecret), "not so secret"},
		{"packet_loss_rate", cfg.PacketLossRate, 0.05},
	}
	for _, tc := range testCases {
		if tc.got != tc.expected {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.expected, tc.got)
		}
	}
}

func TestParseErrors(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{"bad duration", "rto: soon"},
		{"window below mss", "mss: 2000\nwindow: 1000"},
		{"loss rate", "packet_loss_rate: 2"},
		{"not yaml", "mss: [1, 2"},
	}
	for _, tc := range testCases {
		if _, err := Parse([]byte(tc.content)); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}
