// Package config holds the process-wide configuration for the review
// engine. Each subsystem gets its own sub-config plus a Default*Config
// constructor, mirroring the teacher repo's SqliteConfig/SpawnConfig/
// QueueConfig convention rather than one monolithic struct with no
// structure.
package config

import "time"

// Config is the top-level engine configuration, assembled by the daemon's
// main() from flags/env and handed to every subsystem constructor.
type Config struct {
	// StorageRoot is the directory under which sessions/{sid}/... and
	// presets.json live (see §6 of the spec).
	StorageRoot string

	// HTTPAddr is the bind address for the REST+SSE adapter.
	HTTPAddr string

	Runner     RunnerConfig
	Dedup      DedupConfig
	Consensus  ConsensusConfig
	Verify     VerifyConfig
	ConnTester ConnTesterConfig
}

// DefaultConfig returns sane defaults for all subsystems.
func DefaultConfig() *Config {
	return &Config{
		StorageRoot: "./.arv",
		HTTPAddr:    ":7420",
		Runner:      DefaultRunnerConfig(),
		Dedup:       DefaultDedupConfig(),
		Consensus:   DefaultConsensusConfig(),
		Verify:      DefaultVerifyConfig(),
		ConnTester:  DefaultConnTesterConfig(),
	}
}

// RunnerConfig configures the Reviewer Runner (C2).
type RunnerConfig struct {
	// Deadline is the soft per-turn deadline before a reviewer subprocess
	// is killed and marked failed.
	Deadline time.Duration

	// StopGrace is a grace period for stopping a subprocess. Runner.Stop
	// does not read it: Stop cancels the run's context and returns, leaving
	// process termination to the SDK.
	StopGrace time.Duration

	// MaxActivityEvents bounds the per-model activity ring buffer (N>=50
	// per the spec).
	MaxActivityEvents int

	// RingBufferBytes bounds the stdout/stderr ring buffers.
	RingBufferBytes int

	// CLIPath is the path to the claude CLI binary used by the Claude
	// Agent SDK.
	CLIPath string

	// MaxConcurrent bounds how many reviewer subprocesses the Runner
	// actually runs at once, independent of how many agents a session
	// enables. Zero or negative means unbounded.
	MaxConcurrent int
}

// DefaultRunnerConfig returns the default Reviewer Runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Deadline:          15 * time.Minute,
		StopGrace:         5 * time.Second,
		MaxActivityEvents: 200,
		RingBufferBytes:   8192,
		CLIPath:           "claude",
		MaxConcurrent:     4,
	}
}

// DedupConfig configures the Dedup Engine (C5).
type DedupConfig struct {
	// ProximityLines is the +/- line window within which two candidate
	// duplicates in the same group are still merged.
	ProximityLines int
}

// DefaultDedupConfig returns the default dedup configuration.
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{ProximityLines: 5}
}

// ConsensusConfig configures the Deliberation & Consensus Engine (C6).
type ConsensusConfig struct {
	// Threshold T: the weighted-vote margin needed for consensus.
	Threshold float64

	// MaxTurns bounds deliberation rounds before remaining undecided
	// issues are frozen for operator action.
	MaxTurns int

	// StrictnessWeights maps an agent's configured strictness to its
	// default vote weight when no explicit confidence is supplied.
	StrictnessWeights map[string]float64
}

// DefaultConsensusConfig returns the default consensus configuration, per
// §9(a) of the specification.
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		Threshold: 2.0,
		MaxTurns:  3,
		StrictnessWeights: map[string]float64{
			"strict":  1.0,
			"balanced": 0.7,
			"lenient": 0.4,
		},
	}
}

// VerifyConfig configures the fix/verify loop (§4.7).
type VerifyConfig struct {
	// MaxRounds bounds verification rounds before remaining disputed
	// issues are frozen as undecided, per §9(b).
	MaxRounds int
}

// DefaultVerifyConfig returns the default verify configuration.
func DefaultVerifyConfig() VerifyConfig {
	return VerifyConfig{MaxRounds: 2}
}

// ConnTesterConfig configures the Connection Tester (C10).
type ConnTesterConfig struct {
	// Timeout bounds how long the tester waits for the callback.
	Timeout time.Duration
}

// DefaultConnTesterConfig returns the default connection-test configuration.
func DefaultConnTesterConfig() ConnTesterConfig {
	return ConnTesterConfig{Timeout: 60 * time.Second}
}
