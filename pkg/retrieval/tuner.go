package retrieval

import (
	"log/slog"
	"sync"
	"time"

	kberrors "github.com/wangchai/kbrag/pkg/errors"
)

// Sample is one query's observed outcome, fed back by the caller.
type Sample struct {
	Relevance float64       `json:"relevance"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
}

// TunerConfig controls the feedback loop.
type TunerConfig struct {
	// WindowSize is the number of samples accumulated before an automatic
	// adjustment is considered.
	WindowSize int `json:"window_size"`

	// LatencyTarget is the average latency above which the tuner trades
	// recall for speed.
	LatencyTarget time.Duration `json:"latency_target"`

	// RelevanceTarget is the average relevance below which the tuner
	// widens the search.
	RelevanceTarget float64 `json:"relevance_target"`

	// TopKStep is the bounded per-adjustment change to the topK knobs.
	TopKStep int `json:"top_k_step"`

	// AlphaStep is the bounded per-adjustment change to the fusion alpha.
	AlphaStep float64 `json:"alpha_step"`

	// AutoTune enables automatic adjustment after each full window.
	AutoTune bool `json:"auto_tune"`
}

// DefaultTunerConfig returns the tuned defaults. Auto-tune is off until
// explicitly enabled.
func DefaultTunerConfig() TunerConfig {
	return TunerConfig{
		WindowSize:      50,
		LatencyTarget:   500 * time.Millisecond,
		RelevanceTarget: 0.6,
		TopKStep:        10,
		AlphaStep:       0.05,
		AutoTune:        false,
	}
}

// Tuner observes query outcomes and adjusts retrieval parameters, either by
// suggestion or automatically one bounded step per sample window.
type Tuner struct {
	config TunerConfig
	store  *ParamStore
	logger *slog.Logger

	mu      sync.Mutex
	samples []Sample
	ab      *abTest
}

// NewTuner creates a tuner bound to the parameter store.
func NewTuner(config TunerConfig, store *ParamStore) *Tuner {
	return &Tuner{
		config: config,
		store:  store,
		logger: slog.Default().With("component", "parameter-tuner"),
	}
}

// ArmNone marks a sample that did not run under an A/B arm.
const ArmNone = -1

// RecordPerformance feeds one query outcome back. arm is the index returned
// by NextArm; a sample carrying a valid arm index is credited to that arm,
// everything else goes to the plain tuning window.
func (t *Tuner) RecordPerformance(arm int, s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ab != nil && arm >= 0 && arm < len(t.ab.arms) {
		t.ab.results[arm] = append(t.ab.results[arm], s)
		return
	}

	t.samples = append(t.samples, s)
	if t.config.AutoTune && len(t.samples) >= t.config.WindowSize {
		t.autoAdjust()
		t.samples = t.samples[:0]
	}
}

type windowStats struct {
	relevance   float64
	latency     time.Duration
	successRate float64
	n           int
}

func summarize(samples []Sample) windowStats {
	var st windowStats
	st.n = len(samples)
	if st.n == 0 {
		return st
	}
	var lat time.Duration
	var succ int
	for _, s := range samples {
		st.relevance += s.Relevance
		lat += s.Latency
		if s.Success {
			succ++
		}
	}
	st.relevance /= float64(st.n)
	st.latency = lat / time.Duration(st.n)
	st.successRate = float64(succ) / float64(st.n)
	return st
}

// Suggest returns the parameters the tuner would apply for the given goal
// ("latency", "relevance", or "balanced") without applying them.
func (t *Tuner) Suggest(goal string) Parameters {
	t.mu.Lock()
	st := summarize(t.samples)
	t.mu.Unlock()

	p := t.store.Get()
	switch goal {
	case "latency":
		p.DenseTopK -= t.config.TopKStep
		p.BM25TopK -= t.config.TopKStep
	case "relevance":
		p.DenseTopK += t.config.TopKStep
		p.BM25TopK += t.config.TopKStep
		if st.n > 0 && st.successRate < 0.5 {
			p.MaxQueryExpansions++
		}
	default:
		if st.n == 0 {
			return p
		}
		if st.latency > t.config.LatencyTarget {
			p.DenseTopK -= t.config.TopKStep
			p.BM25TopK -= t.config.TopKStep
		} else if st.relevance < t.config.RelevanceTarget {
			p.DenseTopK += t.config.TopKStep
			p.BM25TopK += t.config.TopKStep
		}
	}
	return p
}

// autoAdjust applies a single bounded adjustment addressing the worst
// observed signal. Caller holds the mutex.
func (t *Tuner) autoAdjust() {
	st := summarize(t.samples)

	switch {
	case st.latency > t.config.LatencyTarget:
		updated := t.store.Mutate(func(p *Parameters) {
			p.DenseTopK -= t.config.TopKStep
			p.BM25TopK -= t.config.TopKStep
		})
		t.logger.Info("Auto-tune: reduced search depth",
			"avg_latency", st.latency, "version", updated.Version)
	case st.relevance < t.config.RelevanceTarget:
		updated := t.store.Mutate(func(p *Parameters) {
			p.DenseTopK += t.config.TopKStep
			p.BM25TopK += t.config.TopKStep
		})
		t.logger.Info("Auto-tune: widened search depth",
			"avg_relevance", st.relevance, "version", updated.Version)
	case st.successRate < 0.5:
		updated := t.store.Mutate(func(p *Parameters) {
			if p.FusionAlpha > 0.5 {
				p.FusionAlpha -= t.config.AlphaStep
			} else {
				p.FusionAlpha += t.config.AlphaStep
			}
		})
		t.logger.Info("Auto-tune: rebalanced fusion alpha",
			"success_rate", st.successRate, "version", updated.Version)
	}
}

// abTest rotates queries through candidate parameter sets round-robin and
// accumulates per-arm outcomes.
type abTest struct {
	arms    []Parameters
	results [][]Sample
	next    int
}

// StartABTest begins comparing the given parameter sets. Subsequent calls to
// NextArm rotate through them; outcomes are credited to the arm index
// NextArm handed out.
func (t *Tuner) StartABTest(arms []Parameters) error {
	if len(arms) < 2 {
		return kberrors.New(kberrors.TypeConfigurationBounds, "tuner",
			"A/B test needs at least two parameter sets")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ab = &abTest{arms: arms, results: make([][]Sample, len(arms))}
	t.logger.Info("A/B test started", "arms", len(arms))
	return nil
}

// NextArm returns the parameters the next query should run under together
// with the arm index to credit its outcome to. Outside an active test the
// index is ArmNone and the store snapshot is returned. The rotation advances
// here, so concurrent queries run under distinct arms.
func (t *Tuner) NextArm() (Parameters, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ab == nil {
		return t.store.Get(), ArmNone
	}
	idx := t.ab.next % len(t.ab.arms)
	t.ab.next++
	return t.ab.arms[idx], idx
}

// abScore ranks an arm: relevance and success dominate, latency above one
// second is penalized proportionally.
func abScore(st windowStats) float64 {
	penalty := 0.0
	if st.latency > time.Second {
		penalty = float64(st.latency-time.Second) / float64(10*time.Second)
	}
	return 0.6*st.relevance + 0.4*st.successRate - penalty
}

// CompleteABTest picks the winning arm, applies it via the store, and ends
// the test. It errors when no samples were recorded.
func (t *Tuner) CompleteABTest() (Parameters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ab == nil {
		return t.store.Get(), kberrors.New(kberrors.TypeConfigurationBounds, "tuner",
			"no A/B test in progress")
	}

	bestIdx := -1
	bestScore := 0.0
	for i, samples := range t.ab.results {
		if len(samples) == 0 {
			continue
		}
		score := abScore(summarize(samples))
		if bestIdx < 0 || score > bestScore {
			bestIdx = i
			bestScore = score
		}
	}
	if bestIdx < 0 {
		t.ab = nil
		return t.store.Get(), kberrors.New(kberrors.TypeConfigurationBounds, "tuner",
			"A/B test completed without samples")
	}

	winner := t.store.Set(t.ab.arms[bestIdx])
	t.logger.Info("A/B test completed", "winner_arm", bestIdx, "score", bestScore)
	t.ab = nil
	return winner, nil
}
