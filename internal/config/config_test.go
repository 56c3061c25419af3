package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ROLE_ORGANIZER", "org-1")
	t.Setenv("ROLE_FALLBACK_RECIPIENT", "fb-1")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("addr = %s", cfg.HTTP.Addr)
	}
	if cfg.Ledger.TargetParticipants != 30 || cfg.Ledger.MaxParticipants != 500 {
		t.Errorf("participant bounds = %d/%d", cfg.Ledger.TargetParticipants, cfg.Ledger.MaxParticipants)
	}
	if cfg.Ledger.RegistrationDuration != 168*time.Hour {
		t.Errorf("registration duration = %v", cfg.Ledger.RegistrationDuration)
	}
	if !cfg.Automation.Enabled {
		t.Error("automation disabled by default")
	}
}

func TestLoadOperatorsCSV(t *testing.T) {
	setRequired(t)
	t.Setenv("ROLE_OPERATORS", "op-1, op-2 ,,op-3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	roles := cfg.RoleSet()
	if len(roles.Operators) != 3 {
		t.Fatalf("operators = %v, want 3", roles.Operators)
	}
	if roles.Operators[1] != "op-2" {
		t.Errorf("operators[1] = %q", roles.Operators[1])
	}
	if roles.Organizer != "org-1" || roles.FallbackRecipient != "fb-1" {
		t.Errorf("roles = %+v", roles)
	}
}

func TestLoadValidation(t *testing.T) {
	setRequired(t)
	t.Setenv("LEDGER_MAX_PARTICIPANTS", "10")
	t.Setenv("LEDGER_TARGET_PARTICIPANTS", "20")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for max < target")
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	setRequired(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("http:\n  addr: \":9090\"\nledger:\n  ticket_price: 250\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("addr = %s, want :9090", cfg.HTTP.Addr)
	}
	if cfg.Ledger.TicketPrice != 250 {
		t.Errorf("ticket price = %d, want 250", cfg.Ledger.TicketPrice)
	}
	if cfg.Ledger.MaxParticipants != 500 {
		t.Errorf("max participants = %d, want env default preserved", cfg.Ledger.MaxParticipants)
	}
}

func TestParams(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	params := cfg.Params()
	if params.TicketPrice != cfg.Ledger.TicketPrice {
		t.Errorf("ticket price = %d", params.TicketPrice)
	}
	if params.ClearBatchSize != cfg.Ledger.ClearBatchSize {
		t.Errorf("clear batch size = %d", params.ClearBatchSize)
	}
}
