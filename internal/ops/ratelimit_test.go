package ops

import (
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestClientIP(t *testing.T) {
	t.Parallel()

	t.Run("prefers forwarded-for", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		req.Header.Set("X-Real-IP", "198.51.100.9")
		if got := clientIP(req); got != "203.0.113.7" {
			t.Fatalf("clientIP = %q, want first forwarded hop", got)
		}
	})

	t.Run("falls back to real-ip", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Real-IP", "198.51.100.9")
		if got := clientIP(req); got != "198.51.100.9" {
			t.Fatalf("clientIP = %q, want X-Real-IP", got)
		}
	})

	t.Run("falls back to remote addr", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "192.0.2.44:5123"
		if got := clientIP(req); got != "192.0.2.44" {
			t.Fatalf("clientIP = %q, want host of RemoteAddr", got)
		}
	})
}

func TestIPLimiterBurst(t *testing.T) {
	t.Parallel()

	l := &ipLimiter{
		entries: make(map[string]*ipLimiterEntry),
		rps:     rate.Limit(1),
		burst:   3,
		ttl:     time.Minute,
	}

	for i := 0; i < 3; i++ {
		if !l.allow("10.0.0.1") {
			t.Fatalf("request %d denied inside burst", i+1)
		}
	}
	if l.allow("10.0.0.1") {
		t.Fatal("request allowed past burst")
	}
	// Other clients are unaffected.
	if !l.allow("10.0.0.2") {
		t.Fatal("independent client denied")
	}
}

func TestIPLimiterCleanup(t *testing.T) {
	t.Parallel()

	l := &ipLimiter{
		entries: make(map[string]*ipLimiterEntry),
		rps:     rate.Limit(1),
		burst:   1,
		ttl:     time.Millisecond,
	}

	l.allow("10.0.0.1")
	if len(l.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(l.entries))
	}

	// Age the entry past its ttl and force the next cleanup pass.
	l.entries["10.0.0.1"].lastSeen = time.Now().Add(-time.Hour)
	l.lastCleanup = time.Now().Add(-2 * time.Minute)
	l.allow("10.0.0.9")

	if _, ok := l.entries["10.0.0.1"]; ok {
		t.Fatal("stale entry survived cleanup")
	}
}
