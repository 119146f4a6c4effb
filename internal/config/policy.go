package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// KindPolicy holds the routing and recovery parameters for one task kind.
type KindPolicy struct {
	// MaxAttempts is the retry budget for tasks of this kind.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// AttemptTimeout is the per-attempt execution timeout.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	// BackoffMultiplier grows the delay per attempt.
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	// BreakerThreshold is the consecutive-failure count that opens the
	// (kind, agent) circuit.
	BreakerThreshold int `mapstructure:"breaker_threshold" yaml:"breaker_threshold"`
	// BreakerOpenFor is how long an open circuit waits before a half-open trial.
	BreakerOpenFor time.Duration `mapstructure:"breaker_open_for" yaml:"breaker_open_for"`
	// StickyRetries pins retries to the originally chosen agent instead of
	// re-planning through the policy engine.
	StickyRetries bool `mapstructure:"sticky_retries" yaml:"sticky_retries"`
}

// Weights are the scoring factor weights used by the policy engine.
type Weights struct {
	// SuccessRate weights historical success rate for (kind, agent).
	SuccessRate float64 `mapstructure:"success_rate" yaml:"success_rate"`
	// Cost weights the inverse of recent average cost.
	Cost float64 `mapstructure:"cost" yaml:"cost"`
	// Latency weights the inverse of recent average latency.
	Latency float64 `mapstructure:"latency" yaml:"latency"`
	// Load weights the current load penalty.
	Load float64 `mapstructure:"load" yaml:"load"`
}

// LearningPolicy controls the learning loop.
type LearningPolicy struct {
	// Enabled toggles weight recomputation.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Interval is the periodic tick interval.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// RetrainEvery triggers an early tick after this many new records.
	RetrainEvery int `mapstructure:"retrain_every" yaml:"retrain_every"`
	// Alpha is the EMA smoothing factor for weight updates.
	Alpha float64 `mapstructure:"alpha" yaml:"alpha"`
	// Window is how far back metric summaries look.
	Window time.Duration `mapstructure:"window" yaml:"window"`
}

// PolicySnapshot is one immutable, versioned view of the policy file.
// A choose() or attempt() call always runs against a single snapshot, so a
// hot reload never mixes old and new parameters within one decision.
type PolicySnapshot struct {
	// Version increments on every reload.
	Version int64 `yaml:"-"`
	// Defaults apply to kinds without an explicit entry.
	Defaults KindPolicy `mapstructure:"defaults" yaml:"defaults"`
	// Kinds holds per-kind overrides.
	Kinds map[string]KindPolicy `mapstructure:"kinds" yaml:"kinds,omitempty"`
	// Priors are the cold-start scoring weights.
	Priors Weights `mapstructure:"priors" yaml:"priors"`
	// WeightMin is the lower clamp for learned weights.
	WeightMin float64 `mapstructure:"weight_min" yaml:"weight_min"`
	// WeightMax is the upper clamp for learned weights.
	WeightMax float64 `mapstructure:"weight_max" yaml:"weight_max"`
	// Learning controls the learning loop.
	Learning LearningPolicy `mapstructure:"learning" yaml:"learning"`
}

// ForKind returns the effective policy for a task kind, merging the kind's
// overrides over the defaults. Zero-valued override fields fall back.
func (s *PolicySnapshot) ForKind(kind string) KindPolicy {
	p := s.Defaults
	kp, ok := s.Kinds[kind]
	if !ok {
		return p
	}
	if kp.MaxAttempts > 0 {
		p.MaxAttempts = kp.MaxAttempts
	}
	if kp.AttemptTimeout > 0 {
		p.AttemptTimeout = kp.AttemptTimeout
	}
	if kp.BackoffBase > 0 {
		p.BackoffBase = kp.BackoffBase
	}
	if kp.BackoffMultiplier > 0 {
		p.BackoffMultiplier = kp.BackoffMultiplier
	}
	if kp.BackoffMax > 0 {
		p.BackoffMax = kp.BackoffMax
	}
	if kp.BreakerThreshold > 0 {
		p.BreakerThreshold = kp.BreakerThreshold
	}
	if kp.BreakerOpenFor > 0 {
		p.BreakerOpenFor = kp.BreakerOpenFor
	}
	if kp.StickyRetries {
		p.StickyRetries = true
	}
	return p
}

// Validate checks that policy values are within acceptable ranges,
// clamping out-of-range values to defaults.
func (s *PolicySnapshot) Validate() error {
	clampKind(&s.Defaults)
	for kind, kp := range s.Kinds {
		clampKind(&kp)
		s.Kinds[kind] = kp
	}

	if s.WeightMin <= 0 {
		s.WeightMin = 0.05
	}
	if s.WeightMax <= s.WeightMin {
		s.WeightMax = 5.0
	}
	clampWeights(&s.Priors, s.WeightMin, s.WeightMax)

	if s.Learning.Interval < time.Second {
		s.Learning.Interval = 30 * time.Second
	}
	if s.Learning.RetrainEvery < 1 {
		s.Learning.RetrainEvery = 200
	}
	if s.Learning.Alpha <= 0 || s.Learning.Alpha > 1 {
		s.Learning.Alpha = 0.2
	}
	if s.Learning.Window < time.Minute {
		s.Learning.Window = time.Hour
	}
	return nil
}

// clampKind enforces minimums on a single kind policy.
func clampKind(p *KindPolicy) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.AttemptTimeout < time.Millisecond {
		p.AttemptTimeout = 15 * time.Second
	}
	if p.BackoffBase < time.Millisecond {
		p.BackoffBase = time.Second
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 2.0
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = 60 * time.Second
	}
	if p.BreakerThreshold < 1 {
		p.BreakerThreshold = 5
	}
	if p.BreakerOpenFor < time.Millisecond {
		p.BreakerOpenFor = 60 * time.Second
	}
}

// clampWeights bounds every factor weight to [min, max].
func clampWeights(w *Weights, min, max float64) {
	clamp := func(v float64) float64 {
		if v < min {
			return min
		}
		if v > max {
			return max
		}
		return v
	}
	w.SuccessRate = clamp(w.SuccessRate)
	w.Cost = clamp(w.Cost)
	w.Latency = clamp(w.Latency)
	w.Load = clamp(w.Load)
}

// Clamp returns a copy of w bounded to the snapshot's weight range.
func (s *PolicySnapshot) Clamp(w Weights) Weights {
	clampWeights(&w, s.WeightMin, s.WeightMax)
	return w
}

// DefaultPolicy returns the built-in policy snapshot used when no policy
// file exists.
func DefaultPolicy() *PolicySnapshot {
	s := &PolicySnapshot{
		Defaults: KindPolicy{
			MaxAttempts:       3,
			AttemptTimeout:    15 * time.Second,
			BackoffBase:       time.Second,
			BackoffMultiplier: 2.0,
			BackoffMax:        60 * time.Second,
			BreakerThreshold:  5,
			BreakerOpenFor:    60 * time.Second,
		},
		Priors: Weights{
			SuccessRate: 1.0,
			Cost:        0.5,
			Latency:     0.5,
			Load:        0.5,
		},
		WeightMin: 0.05,
		WeightMax: 5.0,
		Learning: LearningPolicy{
			Enabled:      true,
			Interval:     30 * time.Second,
			RetrainEvery: 200,
			Alpha:        0.2,
			Window:       time.Hour,
		},
	}
	return s
}

// LoadPolicy loads a policy snapshot from a YAML file. A missing file
// yields the built-in defaults rather than an error.
func LoadPolicy(path string) (*PolicySnapshot, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultPolicy(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading policy from %s: %w", path, err)
	}

	s := DefaultPolicy()
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("unmarshaling policy: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validating policy: %w", err)
	}

	return s, nil
}

// WriteDefaultPolicy writes the built-in policy to the given path as a
// starting point for editing. Existing files are not overwritten.
func WriteDefaultPolicy(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("policy file already exists: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create policy directory: %w", err)
	}

	data, err := yaml.Marshal(DefaultPolicy())
	if err != nil {
		return fmt.Errorf("marshal default policy: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// PolicyStore publishes policy snapshots to readers. Reads are lock-free;
// writes replace the whole snapshot (copy-and-swap), so readers see either
// the old or the new snapshot, never a mix.
type PolicyStore struct {
	current atomic.Pointer[PolicySnapshot]
	version atomic.Int64
}

// NewPolicyStore creates a store seeded with the given snapshot.
func NewPolicyStore(s *PolicySnapshot) *PolicyStore {
	ps := &PolicyStore{}
	ps.Swap(s)
	return ps
}

// Current returns the latest policy snapshot.
func (ps *PolicyStore) Current() *PolicySnapshot {
	return ps.current.Load()
}

// Swap publishes a new snapshot, assigning it the next version number.
func (ps *PolicyStore) Swap(s *PolicySnapshot) {
	s.Version = ps.version.Add(1)
	ps.current.Store(s)
}
