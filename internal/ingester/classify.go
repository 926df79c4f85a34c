package ingester

import "time"

// Class buckets a wallet by how recently it traded. Hot wallets are polled
// aggressively, cold ones rarely; the scheduler also claims candidates in
// class order so hot wallets win when governor capacity is short.
type Class int

const (
	ClassHot Class = iota
	ClassWarm
	ClassCold
)

func (c Class) String() string {
	switch c {
	case ClassHot:
		return "hot"
	case ClassWarm:
		return "warm"
	default:
		return "cold"
	}
}

// Cadence holds the activity windows and per-class poll intervals, plus the
// failure backoff bounds. The zero value is unusable; construct via
// DefaultCadence or from config.
type Cadence struct {
	HotWindow  time.Duration // traded within this → hot
	WarmWindow time.Duration // traded within this → warm

	Hot  time.Duration // poll interval per class
	Warm time.Duration
	Cold time.Duration

	FailureCap time.Duration // ceiling on the failure backoff
}

// DefaultCadence returns the production defaults: hot within 24h polled
// every minute, warm within 7d polled every 15 minutes, cold hourly.
func DefaultCadence() Cadence {
	return Cadence{
		HotWindow:  24 * time.Hour,
		WarmWindow: 168 * time.Hour,
		Hot:        60 * time.Second,
		Warm:       900 * time.Second,
		Cold:       3600 * time.Second,
		FailureCap: 3600 * time.Second,
	}
}

// Classify buckets a wallet by its most recent trade. The zero time means
// the wallet has never traded, which reads as cold.
func (c Cadence) Classify(lastTrade, now time.Time) Class {
	if lastTrade.IsZero() {
		return ClassCold
	}
	age := now.Sub(lastTrade)
	switch {
	case age <= c.HotWindow:
		return ClassHot
	case age <= c.WarmWindow:
		return ClassWarm
	default:
		return ClassCold
	}
}

// Interval returns the poll interval for a class.
func (c Cadence) Interval(cl Class) time.Duration {
	switch cl {
	case ClassHot:
		return c.Hot
	case ClassWarm:
		return c.Warm
	default:
		return c.Cold
	}
}
