package governor

import (
	"context"
	"sync"
	"time"
)

// Local is the process-local Governor for single-worker deployments. It
// runs the same bucket math as Shared under a mutex and additionally
// supports TryAcquire. Never use it when a second worker process can exist.
type Local struct {
	mu           sync.Mutex
	params       Params
	tokens       float64
	lastRefill   time.Time
	reqMinute    int
	weightMinute int
	minuteStart  time.Time
	limited      bool
	limitedUntil time.Time

	now func() time.Time // swapped out in tests
}

func NewLocal(params Params) *Local {
	p := params.normalized()
	l := &Local{
		params: p,
		tokens: p.MaxTokens,
		now:    time.Now,
	}
	start := l.now()
	l.lastRefill = start
	l.minuteStart = start
	return l
}

func (l *Local) DefaultCost() int { return l.params.DefaultCost }

func (l *Local) Acquire(ctx context.Context, cost int) (time.Duration, error) {
	if cost <= 0 {
		cost = l.params.DefaultCost
	}

	var waited time.Duration
	for {
		wait, acquired := l.step(cost)
		if acquired {
			return waited, nil
		}
		select {
		case <-ctx.Done():
			return waited, ctx.Err()
		case <-time.After(wait):
			waited += wait
		}
	}
}

func (l *Local) TryAcquire(ctx context.Context, cost int) (bool, error) {
	if cost <= 0 {
		cost = l.params.DefaultCost
	}
	_, acquired := l.step(cost)
	return acquired, nil
}

// step refills on the current clock and attempts a debit. When the debit
// fails it returns how long to sleep before the next attempt. The mutex is
// released before any sleeping happens.
func (l *Local) step(cost int) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens = refill(l.tokens, l.params.MaxTokens, l.params.RefillRate, now.Sub(l.lastRefill))
	l.lastRefill = now

	if l.limited {
		if l.limitedUntil.After(now) {
			return l.limitedUntil.Sub(now), false
		}
		l.limited = false
	}

	if now.Sub(l.minuteStart) >= time.Minute {
		l.reqMinute = 0
		l.weightMinute = 0
		l.minuteStart = now
	}

	if l.tokens >= float64(cost) {
		l.tokens -= float64(cost)
		l.reqMinute++
		l.weightMinute += cost
		return 0, true
	}
	return waitFor(l.tokens, cost, l.params.RefillRate), false
}

func (l *Local) ReportRateLimited(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens = 0
	l.lastRefill = now
	l.limited = true
	l.limitedUntil = now.Add(l.params.Penalty)
	return nil
}

func (l *Local) AdjustForResponse(ctx context.Context, itemsReturned int) error {
	extra := responseSurcharge(itemsReturned, l.params.DefaultCost)
	if extra == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokens = clampTokens(l.tokens-float64(extra), l.params.MaxTokens)
	l.weightMinute += extra
	return nil
}

func (l *Local) AvailableRequests(ctx context.Context, cost int) (int, error) {
	if cost <= 0 {
		cost = l.params.DefaultCost
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.limited && l.limitedUntil.After(now) {
		return 0, nil
	}
	projected := refill(l.tokens, l.params.MaxTokens, l.params.RefillRate, now.Sub(l.lastRefill))
	return available(projected, cost), nil
}

func (l *Local) Snapshot(ctx context.Context) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := State{
		Tokens:             refill(l.tokens, l.params.MaxTokens, l.params.RefillRate, now.Sub(l.lastRefill)),
		MaxTokens:          l.params.MaxTokens,
		RefillRate:         l.params.RefillRate,
		DefaultCost:        l.params.DefaultCost,
		RequestsThisMinute: l.reqMinute,
		WeightThisMinute:   l.weightMinute,
	}
	if l.limited && l.limitedUntil.After(now) {
		st.IsRateLimited = true
		until := l.limitedUntil
		st.RateLimitedUntil = &until
	}
	return st, nil
}
