package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BatchSize != 16 {
		t.Fatalf("batch size %d, want 16", cfg.BatchSize)
	}
	if cfg.BatchInterval != 250*time.Millisecond {
		t.Fatalf("batch interval %v, want 250ms", cfg.BatchInterval)
	}
	if cfg.DiceCount != 2 || cfg.DiceFaces != 6 {
		t.Fatalf("dice %dd%d, want 2d6", cfg.DiceCount, cfg.DiceFaces)
	}
	if cfg.MinBet != 1 || cfg.MaxBet != 1000 {
		t.Fatalf("bet bounds %d..%d", cfg.MinBet, cfg.MaxBet)
	}
	if cfg.ExclusionThreshold != 40 || cfg.CooldownBatches != 32 {
		t.Fatalf("reputation defaults %d/%d", cfg.ExclusionThreshold, cfg.CooldownBatches)
	}
	if cfg.CheckpointPath != "" {
		t.Fatalf("checkpoint path defaults to %q, want empty", cfg.CheckpointPath)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DICENET_BATCH_SIZE", "4")
	t.Setenv("DICENET_PROPOSAL_TIMEOUT", "750ms")
	t.Setenv("DICENET_DICE_FACES", "20")
	t.Setenv("DICENET_CHECKPOINT_PATH", "/tmp/dicenet.json")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BatchSize != 4 {
		t.Fatalf("batch size %d, want 4", cfg.BatchSize)
	}
	if cfg.ProposalTimeout != 750*time.Millisecond {
		t.Fatalf("proposal timeout %v", cfg.ProposalTimeout)
	}
	if cfg.DiceFaces != 20 {
		t.Fatalf("dice faces %d, want 20", cfg.DiceFaces)
	}
	if cfg.CheckpointPath != "/tmp/dicenet.json" {
		t.Fatalf("checkpoint path %q", cfg.CheckpointPath)
	}
}

func TestLoadRejectsMalformedEnvironment(t *testing.T) {
	t.Setenv("DICENET_BATCH_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestValidate(t *testing.T) {
	base, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"no dice", func(c *Config) { c.DiceCount = 0 }},
		{"one-faced die", func(c *Config) { c.DiceFaces = 1 }},
		{"zero min bet", func(c *Config) { c.MinBet = 0 }},
		{"inverted bet bounds", func(c *Config) { c.MinBet = 10; c.MaxBet = 5 }},
		{"zero reveal deadline", func(c *Config) { c.RevealDeadline = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}
