package engine

import (
	"errors"
	"time"
)

// Config holds configuration for the consensus engine.
type Config struct {
	// ChainID identifies the network; it is mixed into every sign-bytes
	// computation.
	ChainID string

	// Timeouts configures the adaptive timeout manager.
	Timeouts TimeoutConfig

	// CheckpointPath is the bbolt database for committed state.
	CheckpointPath string

	// AnonymousVoting wraps PREPARE and COMMIT messages in ring proofs
	// instead of plain validator signatures.
	AnonymousVoting bool

	// MinRingSize and MaxRingSize bound the anonymity ring.
	MinRingSize int
	MaxRingSize int

	// VerificationWorkers bounds the goroutines verifying proofs inside
	// one block.
	VerificationWorkers int

	// VerificationCacheSize is the per-proof verdict cache.
	VerificationCacheSize int

	// DedupCacheSize is the gossip duplicate filter.
	DedupCacheSize int

	// MaxBlockTransactions caps proposals.
	MaxBlockTransactions int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		ChainID:               "ledgerberry-chain",
		Timeouts:              DefaultTimeoutConfig(),
		CheckpointPath:        "data/checkpoints.db",
		AnonymousVoting:       false,
		MinRingSize:           3,
		MaxRingSize:           128,
		VerificationWorkers:   4,
		VerificationCacheSize: 4096,
		DedupCacheSize:        8192,
		MaxBlockTransactions:  10000,
	}
}

// ValidateBasic performs basic validation of the config.
func (cfg *Config) ValidateBasic() error {
	if cfg.ChainID == "" {
		return errors.New("chain id must not be empty")
	}
	if cfg.CheckpointPath == "" {
		return errors.New("checkpoint path must not be empty")
	}
	if cfg.VerificationWorkers < 1 {
		return errors.New("verification workers must be positive")
	}
	if cfg.MinRingSize < 1 || cfg.MaxRingSize < cfg.MinRingSize {
		return errors.New("ring size bounds are inconsistent")
	}
	if cfg.MaxBlockTransactions < 1 {
		return errors.New("max block transactions must be positive")
	}
	return cfg.Timeouts.ValidateBasic()
}

// TimeoutConfig holds the adaptive timeout policy knobs.
type TimeoutConfig struct {
	// Base is the steady-state consensus timeout under nominal latency.
	Base time.Duration
	// Min and Max clamp every derived timeout.
	Min time.Duration
	Max time.Duration

	// LatencyThreshold is the average network latency above which the
	// timeout starts scaling.
	LatencyThreshold time.Duration
	// LatencyMultiplier scales Base once the threshold is crossed.
	LatencyMultiplier float64
	// LatencyExcessFactor adds this many units of timeout per unit of
	// latency above the threshold.
	LatencyExcessFactor float64

	// BackoffFactor is raised to the consecutive view-change count.
	BackoffFactor float64

	// Phase fractions of the consensus timeout.
	PrepareFraction    float64
	CommitFraction     float64
	ViewChangeFraction float64
}

// DefaultTimeoutConfig returns the default timeout policy.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Base:                3 * time.Second,
		Min:                 1 * time.Second,
		Max:                 60 * time.Second,
		LatencyThreshold:    200 * time.Millisecond,
		LatencyMultiplier:   1.5,
		LatencyExcessFactor: 4.0,
		BackoffFactor:       2.0,
		PrepareFraction:     0.5,
		CommitFraction:      0.5,
		ViewChangeFraction:  1.0,
	}
}

// ValidateBasic checks the timeout policy for consistency.
func (cfg *TimeoutConfig) ValidateBasic() error {
	if cfg.Base <= 0 || cfg.Min <= 0 || cfg.Max <= 0 {
		return errors.New("timeouts must be positive")
	}
	if cfg.Min > cfg.Max {
		return errors.New("min timeout exceeds max timeout")
	}
	if cfg.Base < cfg.Min || cfg.Base > cfg.Max {
		return errors.New("base timeout outside [min, max]")
	}
	if cfg.LatencyMultiplier < 1 {
		return errors.New("latency multiplier must be at least 1")
	}
	if cfg.BackoffFactor < 1 {
		return errors.New("backoff factor must be at least 1")
	}
	return nil
}
