package ratelimit

import (
	"testing"
	"time"
)

func TestCheckDisabledAlwaysAllows(t *testing.T) {
	l := New(Config{Enabled: false, RPM: 1})
	for i := 0; i < 5; i++ {
		d := l.Check("openai", 0)
		if !d.Allowed {
			t.Fatalf("expected allowed when limiter disabled")
		}
	}
}

func TestCheckMonotonicRemaining(t *testing.T) {
	l := New(Config{Enabled: true, RPM: 3, RPH: 1000, BytesPerMin: 1 << 30})
	base := time.Unix(1000, 0)
	l.SetClock(func() time.Time { return base })

	var remainders []int64
	for i := 0; i < 3; i++ {
		d := l.Check("openai", 0)
		if !d.Allowed {
			t.Fatalf("request %d unexpectedly rejected", i)
		}
		remainders = append(remainders, d.Remaining)
	}
	for i := 1; i < len(remainders); i++ {
		if remainders[i] >= remainders[i-1] {
			t.Fatalf("expected strictly decreasing remaining, got %v", remainders)
		}
	}

	d := l.Check("openai", 0)
	if d.Allowed {
		t.Fatalf("expected 4th request to be rejected once RPM limit reached")
	}
	if d.LimitType != LimitRPM {
		t.Fatalf("expected LimitRPM, got %v", d.LimitType)
	}
}

func TestCheckWindowRollover(t *testing.T) {
	l := New(Config{Enabled: true, RPM: 2, RPH: 1000, BytesPerMin: 1 << 30})
	now := time.Unix(2000, 0)
	l.SetClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if d := l.Check("anthropic", 0); !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if d := l.Check("anthropic", 0); d.Allowed {
		t.Fatalf("expected 3rd request rejected within same window")
	}

	// Advance a full RPM window (60 one-second slots) so all slots clear.
	now = now.Add(61 * time.Second)
	for i := 0; i < 2; i++ {
		if d := l.Check("anthropic", 0); !d.Allowed {
			t.Fatalf("request %d after rollover should be allowed", i)
		}
	}
	if d := l.Check("anthropic", 0); d.Allowed {
		t.Fatalf("expected rejection again after exhausting the rolled-over window")
	}
}

func TestCheckBytesPerMinuteLimit(t *testing.T) {
	l := New(Config{Enabled: true, RPM: 1000, RPH: 1000, BytesPerMin: 100})
	now := time.Unix(3000, 0)
	l.SetClock(func() time.Time { return now })

	if d := l.Check("copilot", 60); !d.Allowed {
		t.Fatalf("expected first 60-byte request allowed")
	}
	if d := l.Check("copilot", 60); d.Allowed {
		t.Fatalf("expected second 60-byte request rejected (total 120 > 100)")
	} else if d.LimitType != LimitBytesPM {
		t.Fatalf("expected LimitBytesPM, got %v", d.LimitType)
	}
}

func TestRecordTokensNoopWhenDisabled(t *testing.T) {
	l := New(Config{Enabled: true, RPM: 10, RPH: 10, BytesPerMin: 1 << 20})
	// TokensPerMin is 0: RecordTokens must not panic and must be a no-op.
	l.RecordTokens("openai", 500)
}

func TestStatusReflectsRemainingBudget(t *testing.T) {
	l := New(Config{Enabled: true, RPM: 5, RPH: 10, BytesPerMin: 1 << 20})
	now := time.Unix(4000, 0)
	l.SetClock(func() time.Time { return now })

	l.Check("openai", 0)
	l.Check("openai", 0)

	st := l.Status("openai")
	if !st.Enabled {
		t.Fatalf("expected enabled status")
	}
	if st.RPM.Remaining != 3 {
		t.Fatalf("expected 3 remaining after 2 checks of limit 5, got %d", st.RPM.Remaining)
	}
}

func TestFailOpenOnPanic(t *testing.T) {
	l := New(Config{Enabled: true, RPM: 10, RPH: 10, BytesPerMin: 1 << 20})
	l.SetClock(func() time.Time { panic("boom") })

	d := l.Check("openai", 0)
	if !d.Allowed {
		t.Fatalf("expected fail-open allow when internal check panics")
	}
}
