package governor

import (
	"testing"
	"time"
)

func TestRefill(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		tokens  float64
		max     float64
		rate    float64
		elapsed time.Duration
		want    float64
	}{
		{"zero elapsed", 40, 100, 0.67, 0, 40},
		{"negative elapsed clamps", 40, 100, 0.67, -time.Second, 40},
		{"one second", 40, 100, 1, time.Second, 41},
		{"caps at max", 99, 100, 1, time.Minute, 100},
		{"negative balance first clamps to zero", -5, 100, 1, 0, 0},
		{"fractional rate", 0, 100, 0.5, 10 * time.Second, 5},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := refill(tc.tokens, tc.max, tc.rate, tc.elapsed)
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("refill(%v, %v, %v, %v) = %v, want %v", tc.tokens, tc.max, tc.rate, tc.elapsed, got, tc.want)
			}
		})
	}
}

func TestWaitFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		tokens float64
		cost   int
		rate   float64
		want   time.Duration
	}{
		{"affordable now", 25, 20, 0.67, 0},
		{"exactly affordable", 20, 20, 0.67, 0},
		{"one token short at 1/s", 19, 20, 1, time.Second},
		{"rounds up to next millisecond", 19.9995, 20, 1, time.Millisecond},
		{"empty bucket full cost", 0, 20, 0.5, 40 * time.Second},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := waitFor(tc.tokens, tc.cost, tc.rate); got != tc.want {
				t.Fatalf("waitFor(%v, %d, %v) = %v, want %v", tc.tokens, tc.cost, tc.rate, got, tc.want)
			}
		})
	}
}

func TestResponseSurcharge(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		items       int
		defaultCost int
		want        int
	}{
		{"empty response", 0, 20, 0},
		{"negative treated as empty", -3, 20, 0},
		{"nineteen items still prepaid", 19, 20, 0},
		{"twenty items adds one", 20, 20, 1},
		{"four hundred items", 400, 20, 20},
		{"large page", 2000, 20, 100},
		{"higher prepay absorbs surcharge", 100, 30, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := responseSurcharge(tc.items, tc.defaultCost); got != tc.want {
				t.Fatalf("responseSurcharge(%d, %d) = %d, want %d", tc.items, tc.defaultCost, got, tc.want)
			}
		})
	}
}

func TestAvailable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		tokens float64
		cost   int
		want   int
	}{
		{"full default bucket", 100, 20, 5},
		{"partial token ignored", 99.9, 20, 4},
		{"below one request", 19.5, 20, 0},
		{"empty", 0, 20, 0},
		{"zero cost guarded", 100, 0, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := available(tc.tokens, tc.cost); got != tc.want {
				t.Fatalf("available(%v, %d) = %d, want %d", tc.tokens, tc.cost, got, tc.want)
			}
		})
	}
}

func TestParamsNormalized(t *testing.T) {
	t.Parallel()

	got := Params{}.normalized()
	want := DefaultParams()
	if got != want {
		t.Fatalf("Params{}.normalized() = %+v, want defaults %+v", got, want)
	}

	custom := Params{MaxTokens: 50, RefillRate: 2, DefaultCost: 10, Penalty: time.Second}
	if got := custom.normalized(); got != custom {
		t.Fatalf("normalized() altered explicit params: %+v", got)
	}
}
