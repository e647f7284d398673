// Package config loads validator configuration from DICENET_* environment
// variables with compiled-in defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable of a validator node.
type Config struct {
	// Consensus
	BatchSize          int           `env:"DICENET_BATCH_SIZE" envDefault:"16"`
	BatchInterval      time.Duration `env:"DICENET_BATCH_INTERVAL" envDefault:"250ms"`
	ProposalTimeout    time.Duration `env:"DICENET_PROPOSAL_TIMEOUT" envDefault:"2s"`
	ViewChangeTimeout  time.Duration `env:"DICENET_VIEW_CHANGE_TIMEOUT" envDefault:"4s"`
	CheckpointInterval uint64        `env:"DICENET_CHECKPOINT_INTERVAL" envDefault:"16"`
	MaxInflight        int           `env:"DICENET_MAX_INFLIGHT" envDefault:"4"`
	VerifyWorkers      int           `env:"DICENET_VERIFY_WORKERS" envDefault:"4"`

	// Randomness
	RevealDeadline time.Duration `env:"DICENET_REVEAL_DEADLINE" envDefault:"3s"`
	BettingWindow  time.Duration `env:"DICENET_BETTING_WINDOW" envDefault:"1s"`

	// Game
	DiceCount int    `env:"DICENET_DICE_COUNT" envDefault:"2"`
	DiceFaces int    `env:"DICENET_DICE_FACES" envDefault:"6"`
	MinBet    uint64 `env:"DICENET_MIN_BET" envDefault:"1"`
	MaxBet    uint64 `env:"DICENET_MAX_BET" envDefault:"1000"`

	// Reputation
	ExclusionThreshold int    `env:"DICENET_EXCLUSION_THRESHOLD" envDefault:"40"`
	CooldownBatches    uint64 `env:"DICENET_COOLDOWN_BATCHES" envDefault:"32"`

	// Storage
	CheckpointPath string `env:"DICENET_CHECKPOINT_PATH"`

	// Transport
	ListenAddr  string        `env:"DICENET_LISTEN_ADDR" envDefault:"127.0.0.1:0"`
	SendTimeout time.Duration `env:"DICENET_SEND_TIMEOUT" envDefault:"5s"`
}

// Load parses the environment over the defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the protocol cannot run with.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch size must be positive")
	}
	if c.DiceCount < 1 || c.DiceFaces < 2 {
		return fmt.Errorf("config: need at least one die with two faces")
	}
	if c.MinBet == 0 || c.MaxBet < c.MinBet {
		return fmt.Errorf("config: bet bounds invalid")
	}
	if c.RevealDeadline <= 0 {
		return fmt.Errorf("config: reveal deadline must be positive")
	}
	return nil
}
