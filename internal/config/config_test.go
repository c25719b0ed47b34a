package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "space.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write fixture config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
space_id: demo
participants:
  - id: alice
    token: tok-alice
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.GatewayAddr != ":9100" {
		t.Errorf("expected default gateway_addr, got %q", cfg.GatewayAddr)
	}
	if cfg.PauseQueue != 64 {
		t.Errorf("expected default pause_queue_depth 64, got %d", cfg.PauseQueue)
	}
	if cfg.IdleStream != 300 {
		t.Errorf("expected default idle stream timeout 300, got %d", cfg.IdleStream)
	}
}

func TestLoadParsesCapabilities(t *testing.T) {
	path := writeConfig(t, `
space_id: demo
participants:
  - id: alice
    token: tok-alice
    capabilities:
      - kind: chat
      - kind: mcp/*
        negate: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Participants) != 1 || len(cfg.Participants[0].Capabilities) != 2 {
		t.Fatalf("unexpected participant/capability shape: %+v", cfg.Participants)
	}
	if cfg.Participants[0].Capabilities[1].Kind != "mcp/*" {
		t.Errorf("expected mcp/* kind, got %q", cfg.Participants[0].Capabilities[1].Kind)
	}
}

func TestLoadRejectsMissingSpaceID(t *testing.T) {
	path := writeConfig(t, `
participants:
  - id: alice
    token: tok-alice
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a missing space_id")
	}
}

func TestLoadRejectsDuplicateParticipantIDs(t *testing.T) {
	path := writeConfig(t, `
space_id: demo
participants:
  - id: alice
    token: tok-1
  - id: alice
    token: tok-2
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a duplicate participant id")
	}
}

func TestLoadRejectsMissingToken(t *testing.T) {
	path := writeConfig(t, `
space_id: demo
participants:
  - id: alice
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a missing token")
	}
}
