package types

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig() failed Validate(): %v", err)
	}
}

func TestConfig_ValidateRejectsBadThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WarningThreshold = 0.95
	cfg.CriticalThreshold = 0.90
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject warning >= critical")
	}
}

func TestConfig_ValidateRejectsNonPositiveLockTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultLockTTLMs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject zero lock TTL")
	}
}

func TestConfig_MergeOverridesOnlySetFields(t *testing.T) {
	base := DefaultConfig()
	override := Config{MinDelegationScore: 75}

	merged := base.Merge(override)

	if merged.MinDelegationScore != 75 {
		t.Errorf("MinDelegationScore = %d, want 75", merged.MinDelegationScore)
	}
	if merged.MaxDelegationDepth != base.MaxDelegationDepth {
		t.Errorf("MaxDelegationDepth = %d, want unchanged %d", merged.MaxDelegationDepth, base.MaxDelegationDepth)
	}
}

func TestConfig_MergeReplacesArraysWholesale(t *testing.T) {
	base := DefaultConfig()
	override := Config{SubtaskBuckets: []int{1, 5}}

	merged := base.Merge(override)

	if len(merged.SubtaskBuckets) != 2 || merged.SubtaskBuckets[1] != 5 {
		t.Errorf("SubtaskBuckets = %v, want [1 5]", merged.SubtaskBuckets)
	}
}

func TestLoadConfigFile_RejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("minDelegationScore: 70\nbogusField: true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadConfigFile(path); err == nil {
		t.Fatal("expected LoadConfigFile to reject unknown key bogusField")
	}
}

func TestLoadConfigFile_MergesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("minDelegationScore: 80\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.MinDelegationScore != 80 {
		t.Errorf("MinDelegationScore = %d, want 80", cfg.MinDelegationScore)
	}
	if cfg.MaxChildAgents != DefaultConfig().MaxChildAgents {
		t.Errorf("MaxChildAgents = %d, want default %d", cfg.MaxChildAgents, DefaultConfig().MaxChildAgents)
	}
}
