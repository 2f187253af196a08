package ratelimit

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // advisory, usage / decay rate
	Usage      float64
	Threshold  float64
	Burst      bool
}

// Limiter models a decaying per-symbol request counter.
// Decay is applied lazily before every read or write; there is no ticker.
// Each symbol has its own mutex so decay-then-compare is atomic per symbol.
type Limiter struct {
	cfg     Config
	budgets sync.Map // symbol -> *budget

	burstMu    sync.Mutex
	burstUntil time.Time
	hot        map[string]hotMark
}

type budget struct {
	mu        sync.Mutex
	usage     float64
	lastDecay time.Time
	factor    float64
	lastAdapt time.Time

	outcomes  []bool
	next      int
	count     int
	successes int
}

// hotMark remembers the last observed usage of a hot symbol so that hotness
// can be re-evaluated lazily as it decays.
type hotMark struct {
	usage     float64
	at        time.Time
	threshold float64
}

// NewLimiter creates a limiter for the configured tier.
func NewLimiter(cfg Config) *Limiter {
	cfg.normalize()
	return &Limiter{
		cfg: cfg,
		hot: make(map[string]hotMark),
	}
}

// Tier returns the tier the limiter enforces.
func (l *Limiter) Tier() Tier {
	return l.cfg.Tier
}

// Admit decides whether an action on symbol may proceed now.
// High priority actions (cancellations) skip the predictive check.
// Admit never records usage; call Record after the action was taken.
func (l *Limiter) Admit(symbol string, highPriority bool) Decision {
	now := l.cfg.Clock()
	b := l.budget(symbol, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	burst := l.burstActive(now)
	rate := l.decayRate(burst)
	b.decay(now, rate)
	l.adapt(b, now)

	base := l.cfg.Tier.Threshold * b.factor
	threshold := base
	if burst {
		threshold *= l.cfg.BurstMultiplier
	}
	l.markHot(symbol, b.usage, base, now)

	d := Decision{
		Usage:      b.usage,
		Threshold:  threshold,
		Burst:      burst,
		RetryAfter: retryAfter(b.usage, rate),
	}

	if b.usage >= threshold {
		return d
	}

	if l.cfg.Predictive && !highPriority {
		projected := math.Max(0, b.usage-rate*l.cfg.Horizon.Seconds())
		if projected > l.cfg.HotRatio*threshold {
			return d
		}
	}

	d.Allowed = true
	d.RetryAfter = 0
	return d
}

// Record adds the weight of an action that was taken on symbol.
// Symbols with a sustained high success rate are charged less.
func (l *Limiter) Record(symbol string, weight float64) {
	if weight <= 0 {
		return
	}
	now := l.cfg.Clock()
	b := l.budget(symbol, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.decay(now, l.decayRate(l.burstActive(now)))
	b.usage += weight * l.weightFactor(b)
	l.markHot(symbol, b.usage, l.cfg.Tier.Threshold*b.factor, now)
}

// Outcome feeds the success window used for weight reduction.
func (l *Limiter) Outcome(symbol string, success bool) {
	b := l.budget(symbol, l.cfg.Clock())

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == len(b.outcomes) {
		if b.outcomes[b.next] {
			b.successes--
		}
	} else {
		b.count++
	}
	b.outcomes[b.next] = success
	if success {
		b.successes++
	}
	b.next = (b.next + 1) % len(b.outcomes)
}

// Usage returns the decayed counter for symbol. Polling does not change the
// trajectory of the counter.
func (l *Limiter) Usage(symbol string) float64 {
	now := l.cfg.Clock()
	b := l.budget(symbol, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.decay(now, l.decayRate(l.burstActive(now)))
	return b.usage
}

// Factor returns the current adaptive threshold factor for symbol.
func (l *Limiter) Factor(symbol string) float64 {
	b := l.budget(symbol, l.cfg.Clock())

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.factor
}

// BurstActive reports whether burst mode is currently on.
func (l *Limiter) BurstActive() bool {
	return l.burstActive(l.cfg.Clock())
}

func (l *Limiter) budget(symbol string, now time.Time) *budget {
	if v, ok := l.budgets.Load(symbol); ok {
		return v.(*budget)
	}
	b := &budget{
		lastDecay: now,
		lastAdapt: now,
		factor:    1,
		outcomes:  make([]bool, l.cfg.SuccessWindow),
	}
	actual, _ := l.budgets.LoadOrStore(symbol, b)
	return actual.(*budget)
}

func (l *Limiter) decayRate(burst bool) float64 {
	if burst {
		return l.cfg.Tier.DecayPerSecond * l.cfg.BurstMultiplier
	}
	return l.cfg.Tier.DecayPerSecond
}

// decay must be called with b.mu held.
func (b *budget) decay(now time.Time, rate float64) {
	elapsed := now.Sub(b.lastDecay).Seconds()
	if elapsed <= 0 {
		return
	}
	b.usage = math.Max(0, b.usage-elapsed*rate)
	b.lastDecay = now
}

// adapt must be called with b.mu held.
func (l *Limiter) adapt(b *budget, now time.Time) {
	if now.Sub(b.lastAdapt) < l.cfg.AdaptInterval || l.cfg.FactorStep <= 0 {
		return
	}
	b.lastAdapt = now

	utilization := b.usage / (l.cfg.Tier.Threshold * b.factor)
	switch {
	case utilization < l.cfg.LowWater:
		b.factor += l.cfg.FactorStep
	case utilization > l.cfg.HighWater:
		b.factor -= l.cfg.FactorStep
	}
	b.factor = math.Min(l.cfg.FactorMax, math.Max(l.cfg.FactorMin, b.factor))
}

// weightFactor must be called with b.mu held.
func (l *Limiter) weightFactor(b *budget) float64 {
	if b.count < l.cfg.MinSamples {
		return 1
	}
	rate := float64(b.successes) / float64(b.count)
	if rate < l.cfg.SuccessRate {
		return 1
	}
	span := 1 - l.cfg.SuccessRate
	if span <= 0 {
		return l.cfg.MinWeightFactor
	}
	progress := (rate - l.cfg.SuccessRate) / span
	return 1 - progress*(1-l.cfg.MinWeightFactor)
}

func (l *Limiter) burstActive(now time.Time) bool {
	l.burstMu.Lock()
	defer l.burstMu.Unlock()
	return l.burstActiveLocked(now)
}

func (l *Limiter) burstActiveLocked(now time.Time) bool {
	if l.burstUntil.IsZero() {
		return false
	}
	if now.Before(l.burstUntil) {
		return true
	}
	l.burstUntil = time.Time{}
	slog.Info("Rate limiter burst mode deactivated")
	return false
}

// markHot updates the hot set and switches burst mode on when enough symbols
// are close to their threshold at the same time. Lock order: budget, then burst.
func (l *Limiter) markHot(symbol string, usage, threshold float64, now time.Time) {
	l.burstMu.Lock()
	defer l.burstMu.Unlock()

	if usage > l.cfg.HotRatio*threshold {
		l.hot[symbol] = hotMark{usage: usage, at: now, threshold: threshold}
	} else {
		delete(l.hot, symbol)
	}

	if l.burstActiveLocked(now) || l.cfg.BurstWindow <= 0 {
		return
	}

	hot := 0
	rate := l.cfg.Tier.DecayPerSecond
	for s, m := range l.hot {
		current := m.usage - now.Sub(m.at).Seconds()*rate
		if current > l.cfg.HotRatio*m.threshold {
			hot++
		} else {
			delete(l.hot, s)
		}
	}
	if hot >= l.cfg.BurstTrigger {
		l.burstUntil = now.Add(l.cfg.BurstWindow)
		slog.Info("Rate limiter burst mode activated",
			slog.Int("hot_symbols", hot),
			slog.Duration("window", l.cfg.BurstWindow))
	}
}

func retryAfter(usage, rate float64) time.Duration {
	if usage <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(usage / rate * float64(time.Second)))
}
