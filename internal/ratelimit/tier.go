package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Tier holds the exchange-imposed budget for one API verification level.
// Threshold is the counter ceiling; DecayPerSecond is how fast it recovers.
type Tier struct {
	Name           string
	Threshold      float64
	DecayPerSecond float64
}

// Kraken trading rate tiers.
var (
	TierStarter      = Tier{Name: "starter", Threshold: 60, DecayPerSecond: 1}
	TierIntermediate = Tier{Name: "intermediate", Threshold: 125, DecayPerSecond: 2.34}
	TierPro          = Tier{Name: "pro", Threshold: 180, DecayPerSecond: 3.75}
)

// TierByName resolves a configured tier name.
func TierByName(name string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "starter":
		return TierStarter, nil
	case "intermediate":
		return TierIntermediate, nil
	case "pro":
		return TierPro, nil
	default:
		return Tier{}, fmt.Errorf("unknown rate limit tier %q", name)
	}
}

// Config tunes the adaptive behaviour on top of a Tier.
// The adaptive bounds were tuned empirically, so all of them are configurable.
type Config struct {
	Tier Tier

	// Burst mode
	BurstMultiplier float64
	BurstWindow     time.Duration
	BurstTrigger    int     // symbols simultaneously hot
	HotRatio        float64 // fraction of threshold that counts as hot

	// Adaptive threshold factor
	FactorMin     float64
	FactorMax     float64
	FactorStep    float64
	LowWater      float64
	HighWater     float64
	AdaptInterval time.Duration

	// Predictive denial
	Predictive bool
	Horizon    time.Duration

	// Weight reduction for well-behaved symbols
	MinWeightFactor float64
	SuccessRate     float64
	SuccessWindow   int
	MinSamples      int

	// Clock is used instead of time.Now when set (tests).
	Clock func() time.Time
}

// DefaultConfig returns the defaults for the given tier.
func DefaultConfig(tier Tier) Config {
	return Config{
		Tier:            tier,
		BurstMultiplier: 1.2,
		BurstWindow:     30 * time.Second,
		BurstTrigger:    2,
		HotRatio:        0.9,
		FactorMin:       0.8,
		FactorMax:       1.5,
		FactorStep:      0.05,
		LowWater:        0.3,
		HighWater:       0.9,
		AdaptInterval:   time.Second,
		Predictive:      true,
		Horizon:         time.Second,
		MinWeightFactor: 0.5,
		SuccessRate:     0.95,
		SuccessWindow:   50,
		MinSamples:      20,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig(c.Tier)
	if c.Tier.Threshold <= 0 || c.Tier.DecayPerSecond <= 0 {
		c.Tier = TierStarter
	}
	if c.BurstMultiplier < 1 {
		c.BurstMultiplier = def.BurstMultiplier
	}
	if c.BurstTrigger <= 0 {
		c.BurstTrigger = def.BurstTrigger
	}
	if c.HotRatio <= 0 || c.HotRatio > 1 {
		c.HotRatio = def.HotRatio
	}
	if c.FactorMin <= 0 {
		c.FactorMin = def.FactorMin
	}
	if c.FactorMax < c.FactorMin {
		c.FactorMax = c.FactorMin
	}
	if c.SuccessWindow <= 0 {
		c.SuccessWindow = def.SuccessWindow
	}
	if c.MinSamples <= 0 || c.MinSamples > c.SuccessWindow {
		c.MinSamples = c.SuccessWindow
	}
	if c.MinWeightFactor <= 0 || c.MinWeightFactor > 1 {
		c.MinWeightFactor = 1
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// CancelPenalty is the extra counter weight Kraken charges for cancelling an
// order of the given age. Young orders cost the most.
func CancelPenalty(age time.Duration) float64 {
	switch {
	case age < 5*time.Second:
		return 8
	case age < 10*time.Second:
		return 6
	case age < 15*time.Second:
		return 5
	case age < 45*time.Second:
		return 4
	case age < 90*time.Second:
		return 2
	case age < 300*time.Second:
		return 1
	default:
		return 0
	}
}
