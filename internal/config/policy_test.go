package config

import (
	"testing"
	"time"
)

func TestPolicySnapshot_Validate_Clamps(t *testing.T) {
	s := &PolicySnapshot{
		Defaults: KindPolicy{
			MaxAttempts:       0,
			BackoffMultiplier: 0.5,
		},
		Priors:    Weights{SuccessRate: -1, Cost: 100, Latency: 0.5, Load: 0.5},
		WeightMin: 0,
		WeightMax: 0,
	}

	if err := s.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if s.Defaults.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want clamped default 3", s.Defaults.MaxAttempts)
	}
	if s.Defaults.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want clamped default 2.0", s.Defaults.BackoffMultiplier)
	}
	if s.WeightMin != 0.05 || s.WeightMax != 5.0 {
		t.Errorf("weight range = [%v, %v], want [0.05, 5.0]", s.WeightMin, s.WeightMax)
	}
	if s.Priors.SuccessRate != 0.05 {
		t.Errorf("negative prior not clamped to min: %v", s.Priors.SuccessRate)
	}
	if s.Priors.Cost != 5.0 {
		t.Errorf("oversized prior not clamped to max: %v", s.Priors.Cost)
	}
}

func TestPolicySnapshot_ForKind(t *testing.T) {
	s := DefaultPolicy()
	s.Kinds = map[string]KindPolicy{
		"browser": {
			MaxAttempts:   5,
			StickyRetries: true,
		},
	}

	browser := s.ForKind("browser")
	if browser.MaxAttempts != 5 {
		t.Errorf("browser MaxAttempts = %d, want override 5", browser.MaxAttempts)
	}
	if !browser.StickyRetries {
		t.Error("browser StickyRetries should be true")
	}
	if browser.BackoffBase != s.Defaults.BackoffBase {
		t.Errorf("unset fields should inherit defaults, got %v", browser.BackoffBase)
	}

	research := s.ForKind("research")
	if research.MaxAttempts != s.Defaults.MaxAttempts {
		t.Errorf("unknown kind should use defaults, got %d", research.MaxAttempts)
	}
}

func TestLoadPolicy_MissingFileUsesDefaults(t *testing.T) {
	s, err := LoadPolicy(t.TempDir() + "/does-not-exist.yaml")
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}
	if s.Defaults.BreakerThreshold != 5 {
		t.Errorf("BreakerThreshold = %d, want default 5", s.Defaults.BreakerThreshold)
	}
}

func TestLoadPolicy_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policy.yaml", `
defaults:
  max_attempts: 4
  backoff_base: 500ms
kinds:
  research:
    max_attempts: 2
priors:
  success_rate: 2.0
  cost: 1.0
  latency: 1.0
  load: 1.0
`)

	s, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}

	if s.Defaults.MaxAttempts != 4 {
		t.Errorf("Defaults.MaxAttempts = %d, want 4", s.Defaults.MaxAttempts)
	}
	if s.Defaults.BackoffBase != 500*time.Millisecond {
		t.Errorf("BackoffBase = %v, want 500ms", s.Defaults.BackoffBase)
	}
	if got := s.ForKind("research").MaxAttempts; got != 2 {
		t.Errorf("research MaxAttempts = %d, want 2", got)
	}
	if s.Priors.SuccessRate != 2.0 {
		t.Errorf("Priors.SuccessRate = %v, want 2.0", s.Priors.SuccessRate)
	}
}

func TestPolicyStore_SwapVersions(t *testing.T) {
	store := NewPolicyStore(DefaultPolicy())

	first := store.Current()
	if first.Version != 1 {
		t.Errorf("initial version = %d, want 1", first.Version)
	}

	store.Swap(DefaultPolicy())
	second := store.Current()
	if second.Version != 2 {
		t.Errorf("after swap version = %d, want 2", second.Version)
	}
	if first.Version != 1 {
		t.Error("old snapshot must not be mutated by swap")
	}
}

func TestPolicyWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policy.yaml", "defaults:\n  max_attempts: 2\n")

	store := NewPolicyStore(DefaultPolicy())
	pw, err := WatchPolicy(store, path)
	if err != nil {
		t.Fatalf("WatchPolicy failed: %v", err)
	}
	defer pw.Close()

	pw.Reload()
	if got := store.Current().Defaults.MaxAttempts; got != 2 {
		t.Errorf("after reload MaxAttempts = %d, want 2", got)
	}

	// A broken file must not clobber the live snapshot.
	writeFile(t, dir, "policy.yaml", ":\nnot yaml [")
	before := store.Current().Version
	pw.Reload()
	if store.Current().Version != before {
		t.Error("malformed policy file replaced the live snapshot")
	}
}
