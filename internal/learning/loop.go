// Package learning recomputes the policy engine's scoring weights from
// recorded outcomes. Each tick measures, per factor, how strongly the factor
// correlated with success across (kind, agent) pairs in the metrics window,
// nudges the weight toward a target proportional to that correlation with an
// exponential moving average, and publishes the clamped result atomically.
// A bad batch of data can therefore shift routing gradually but can never
// produce negative or unbounded weights.
package learning

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"relay/internal/config"
	"relay/internal/metrics"
	"relay/internal/policy"
)

// Loop periodically retrains the engine's weights.
type Loop struct {
	engine    *policy.Engine
	collector *metrics.Collector
	policies  *config.PolicyStore

	mu      sync.Mutex
	pending int

	kick chan struct{}
}

// New creates a learning loop. Run must be called to start ticking.
func New(engine *policy.Engine, collector *metrics.Collector, policies *config.PolicyStore) *Loop {
	return &Loop{
		engine:    engine,
		collector: collector,
		policies:  policies,
		kick:      make(chan struct{}, 1),
	}
}

// Notify tells the loop a new metric record was written. After retrain_every
// notifications an early tick runs without waiting for the interval.
func (l *Loop) Notify() {
	l.mu.Lock()
	l.pending++
	n := l.pending
	l.mu.Unlock()

	if n >= l.policies.Current().Learning.RetrainEvery {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
}

// Run ticks until the context is canceled. The interval is re-read from the
// policy store each cycle so hot reloads take effect.
func (l *Loop) Run(ctx context.Context) {
	for {
		lp := l.policies.Current().Learning

		timer := time.NewTimer(lp.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-l.kick:
			timer.Stop()
		}

		if err := l.Tick(); err != nil {
			log.Printf("[learning] tick failed: %v", err)
		}
	}
}

// Tick recomputes and publishes weights from the current metrics window.
// A tick with no usable data leaves the weights untouched.
func (l *Loop) Tick() error {
	snapshot := l.policies.Current()
	lp := snapshot.Learning

	l.mu.Lock()
	l.pending = 0
	l.mu.Unlock()

	if !lp.Enabled {
		return nil
	}

	samples, err := l.gather(lp.Window)
	if err != nil {
		return err
	}
	// Correlation needs at least two pairs with history.
	if len(samples) < 2 {
		return nil
	}

	old := l.engine.Weights()
	priors := snapshot.Priors

	next := config.Weights{
		SuccessRate: ema(old.SuccessRate, target(priors.SuccessRate, corrSuccess(samples)), lp.Alpha),
		Cost:        ema(old.Cost, target(priors.Cost, corr(samples, func(s sample) float64 { return s.costFactor })), lp.Alpha),
		Latency:     ema(old.Latency, target(priors.Latency, corr(samples, func(s sample) float64 { return s.latencyFactor })), lp.Alpha),
		Load:        old.Load,
	}

	// SetWeights clamps to the snapshot's range, so the published weights
	// are always in [weight_min, weight_max].
	l.engine.SetWeights(next)

	updated := l.engine.Weights()
	log.Printf("[learning] weights updated over %d pairs: success=%.3f cost=%.3f latency=%.3f load=%.3f",
		len(samples), updated.SuccessRate, updated.Cost, updated.Latency, updated.Load)
	return nil
}

// sample is one (kind, agent) pair's windowed history, expressed as the same
// normalized factors the policy engine scores with.
type sample struct {
	success       float64
	costFactor    float64
	latencyFactor float64
	weight        float64
}

func (l *Loop) gather(window time.Duration) ([]sample, error) {
	pairs, err := l.collector.Pairs(window)
	if err != nil {
		return nil, err
	}

	var samples []sample
	for _, p := range pairs {
		s, err := l.collector.Summary(p[0], p[1], window)
		if err != nil {
			return nil, err
		}
		if s.Count == 0 {
			continue
		}
		samples = append(samples, sample{
			success:       s.SuccessRate,
			costFactor:    1.0 / (1.0 + s.AvgCost),
			latencyFactor: 1.0 / (1.0 + s.AvgLatencyMS/1000.0),
			weight:        float64(s.Count),
		})
	}
	return samples, nil
}

// target maps a correlation in [-1, 1] to a weight target in [0, 2*prior]:
// a factor that predicts success doubles its prior, an anti-correlated
// factor drops toward zero, an uninformative one stays at its prior.
func target(prior, correlation float64) float64 {
	return prior * (1 + correlation)
}

// ema moves old toward target by the smoothing factor alpha.
func ema(old, target, alpha float64) float64 {
	return old + alpha*(target-old)
}

// corr computes the count-weighted Pearson correlation between a factor and
// the success rate across samples. Zero when either side has no variance.
func corr(samples []sample, factor func(sample) float64) float64 {
	var total, meanF, meanS float64
	for _, s := range samples {
		total += s.weight
		meanF += s.weight * factor(s)
		meanS += s.weight * s.success
	}
	if total == 0 {
		return 0
	}
	meanF /= total
	meanS /= total

	var cov, varF, varS float64
	for _, s := range samples {
		df := factor(s) - meanF
		ds := s.success - meanS
		cov += s.weight * df * ds
		varF += s.weight * df * df
		varS += s.weight * ds * ds
	}
	if varF == 0 || varS == 0 {
		return 0
	}
	return cov / math.Sqrt(varF*varS)
}

// corrSuccess is the success factor's self-correlation: 1 whenever the
// window discriminates between agents at all, 0 otherwise.
func corrSuccess(samples []sample) float64 {
	var total, mean float64
	for _, s := range samples {
		total += s.weight
		mean += s.weight * s.success
	}
	if total == 0 {
		return 0
	}
	mean /= total
	for _, s := range samples {
		if s.success != mean {
			return 1
		}
	}
	return 0
}
