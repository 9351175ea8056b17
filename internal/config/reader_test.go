package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type pathResolver string

func (p pathResolver) Resolve() (string, error) { return string(p), nil }

func writeTempConfig(t *testing.T, data any) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.json")
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestReadSuccessWithEnvOverrides(t *testing.T) {
	initial := Config{
		Role:           RoleClient,
		ConnectAddress: "192.168.1.1",
		Socket:         TCP,
		Credentials:    Credentials{Username: "alice"},
	}
	path := writeTempConfig(t, initial)

	t.Setenv("TEAVPN2_CONNECT_ADDRESS", "10.0.0.1")
	t.Setenv("TEAVPN2_SOCKET", "udp")

	r := NewReader(pathResolver(path))
	cfg, err := r.Read()
	if err != nil {
		t.Fatalf("Read() returned error: %v", err)
	}
	if cfg.ConnectAddress != "10.0.0.1" {
		t.Errorf("expected env override applied, got %q", cfg.ConnectAddress)
	}
	if cfg.Socket != UDP {
		t.Errorf("expected socket override to UDP, got %q", cfg.Socket)
	}
}

func TestReadFileDoesNotExist(t *testing.T) {
	r := NewReader(pathResolver("/non/existent/conf.json"))
	if _, err := r.Read(); err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected 'does not exist' error, got %v", err)
	}
}

func TestReadFileUnreadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.json")
	if err := os.Mkdir(path, 0755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	r := NewReader(pathResolver(path))
	if _, err := r.Read(); err == nil || !strings.Contains(err.Error(), "unreadable") {
		t.Fatalf("expected 'unreadable' error, got %v", err)
	}
}

func TestReadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.json")
	if err := os.WriteFile(path, []byte("{invalid"), 0644); err != nil {
		t.Fatalf("failed to write invalid json: %v", err)
	}
	r := NewReader(pathResolver(path))
	if _, err := r.Read(); err == nil || !strings.Contains(err.Error(), "invalid") {
		t.Fatalf("expected 'invalid' error, got %v", err)
	}
}

func TestReadEnsureDefaultsAndValidateRejectsIncompleteClient(t *testing.T) {
	path := writeTempConfig(t, struct{}{})
	r := NewReader(pathResolver(path))
	// Role defaults to "" (zero value), which neither branch of Validate
	// treats as RoleServer, so it's validated as a client missing
	// connect_address/credentials and correctly rejected.
	if _, err := r.Read(); err == nil {
		t.Fatalf("expected validation error for empty config, got nil")
	}
}

func TestReadServerDefaultsPassValidation(t *testing.T) {
	path := writeTempConfig(t, Config{Role: RoleServer})
	r := NewReader(pathResolver(path))
	cfg, err := r.Read()
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if cfg.IfaceName == "" || cfg.BindPort == 0 || cfg.MaxConn == 0 {
		t.Fatalf("expected EnsureDefaults to populate server fields, got %+v", cfg)
	}
}

func TestReadRejectsBadMTU(t *testing.T) {
	path := writeTempConfig(t, Config{Role: RoleServer, IfaceMTU: 100})
	r := NewReader(pathResolver(path))
	if _, err := r.Read(); err == nil || !strings.Contains(err.Error(), "iface_mtu") {
		t.Fatalf("expected iface_mtu range error, got %v", err)
	}
}
