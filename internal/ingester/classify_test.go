package ingester

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cadence := DefaultCadence()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		lastTrade time.Time
		want      Class
	}{
		{"traded minutes ago", now.Add(-5 * time.Minute), ClassHot},
		{"exactly on the hot boundary", now.Add(-24 * time.Hour), ClassHot},
		{"just past the hot boundary", now.Add(-24*time.Hour - time.Second), ClassWarm},
		{"traded this week", now.Add(-3 * 24 * time.Hour), ClassWarm},
		{"exactly on the warm boundary", now.Add(-168 * time.Hour), ClassWarm},
		{"traded last month", now.Add(-30 * 24 * time.Hour), ClassCold},
		{"never traded", time.Time{}, ClassCold},
		{"future trade still hot", now.Add(time.Minute), ClassHot},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := cadence.Classify(tc.lastTrade, now); got != tc.want {
				t.Fatalf("Classify(%v) = %v, want %v", tc.lastTrade, got, tc.want)
			}
		})
	}
}

func TestIntervalPerClass(t *testing.T) {
	t.Parallel()

	cadence := DefaultCadence()
	if got := cadence.Interval(ClassHot); got != 60*time.Second {
		t.Errorf("hot interval = %v, want 60s", got)
	}
	if got := cadence.Interval(ClassWarm); got != 900*time.Second {
		t.Errorf("warm interval = %v, want 15m", got)
	}
	if got := cadence.Interval(ClassCold); got != 3600*time.Second {
		t.Errorf("cold interval = %v, want 1h", got)
	}
}

func TestClassString(t *testing.T) {
	t.Parallel()

	for cl, want := range map[Class]string{
		ClassHot:  "hot",
		ClassWarm: "warm",
		ClassCold: "cold",
	} {
		if got := cl.String(); got != want {
			t.Errorf("Class(%d).String() = %q, want %q", cl, got, want)
		}
	}
}
