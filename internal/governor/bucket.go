package governor

import (
	"math"
	"time"
)

// baseRequestWeight is the upstream's documented weight for one info
// request before the response-size surcharge.
const baseRequestWeight = 20

// Params configures a token bucket. The defaults track the upstream's
// 1200-weight-per-minute ceiling with roughly a third of headroom:
// 0.67 tokens/sec * 60 = ~40 weight/min of steady-state spend at cost 20.
type Params struct {
	MaxTokens   float64
	RefillRate  float64 // tokens per second
	DefaultCost int
	Penalty     time.Duration // hold-off applied after an upstream rate-limit signal
}

// DefaultParams returns the calibrated production defaults.
func DefaultParams() Params {
	return Params{
		MaxTokens:   100,
		RefillRate:  0.67,
		DefaultCost: 20,
		Penalty:     10 * time.Second,
	}
}

func (p Params) normalized() Params {
	if p.MaxTokens <= 0 {
		p.MaxTokens = 100
	}
	if p.RefillRate <= 0 {
		p.RefillRate = 0.67
	}
	if p.DefaultCost <= 0 {
		p.DefaultCost = baseRequestWeight
	}
	if p.Penalty <= 0 {
		p.Penalty = 10 * time.Second
	}
	return p
}

// refill returns the token count after elapsed wall time, clamped to max.
func refill(tokens, max, rate float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return clampTokens(tokens, max)
	}
	return clampTokens(tokens+elapsed.Seconds()*rate, max)
}

func clampTokens(tokens, max float64) float64 {
	if tokens < 0 {
		return 0
	}
	if tokens > max {
		return max
	}
	return tokens
}

// waitFor returns how long until cost tokens become affordable at rate,
// rounded up to the next millisecond so a retry never lands short.
func waitFor(tokens float64, cost int, rate float64) time.Duration {
	deficit := float64(cost) - tokens
	if deficit <= 0 {
		return 0
	}
	ms := math.Ceil(deficit / rate * 1000)
	return time.Duration(ms) * time.Millisecond
}

// responseSurcharge returns the extra weight an already-paid request turned
// out to cost, given the item count of its response. The upstream prices a
// request at 20 + floor(items/20); the default cost prepays 20.
func responseSurcharge(items, defaultCost int) int {
	if items < 0 {
		items = 0
	}
	extra := baseRequestWeight + items/20 - defaultCost
	if extra < 0 {
		return 0
	}
	return extra
}

// available returns how many cost-sized acquires the current balance covers.
func available(tokens float64, cost int) int {
	if cost <= 0 || tokens <= 0 {
		return 0
	}
	return int(tokens) / cost
}
