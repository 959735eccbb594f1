package ratelimit

import (
	"context"
	"testing"
	"time"
)

// fakeClock lets tests drive refill deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T, cfg Config) (*SessionLimiter, *fakeClock) {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })

	clock := &fakeClock{now: time.Unix(1000, 0)}
	l.nowFunc = clock.Now
	return l, clock
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if err := (Config{DefaultCapacity: -1}).Validate(); err == nil {
		t.Error("negative capacity accepted")
	}
	if err := (Config{DefaultCapacity: 5}).Validate(); err == nil {
		t.Error("capacity without window accepted")
	}
}

func TestAllow_UnlimitedWithoutDefaults(t *testing.T) {
	l, _ := newTestLimiter(t, Config{})

	for i := 0; i < 100; i++ {
		if !l.Allow("anyone") {
			t.Fatal("unlimited key throttled")
		}
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (no bucket created)", l.Len())
	}
}

func TestAllow_AutoCreatesDefaultBucket(t *testing.T) {
	l, clock := newTestLimiter(t, Config{DefaultCapacity: 2, DefaultWindow: time.Second})

	if !l.Allow("s1") || !l.Allow("s1") {
		t.Fatal("first two tokens denied")
	}
	if l.Allow("s1") {
		t.Fatal("third token granted from a 2-token bucket")
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}

	// Half the window refills one token.
	clock.advance(500 * time.Millisecond)
	if !l.Allow("s1") {
		t.Error("token not refilled after half window")
	}
	if l.Allow("s1") {
		t.Error("over-refilled")
	}
}

func TestAllow_PerKeyIsolation(t *testing.T) {
	l, _ := newTestLimiter(t, Config{DefaultCapacity: 1, DefaultWindow: time.Minute})

	if !l.Allow("a") {
		t.Fatal("a denied")
	}
	if !l.Allow("b") {
		t.Fatal("b throttled by a's consumption")
	}
	if l.Allow("a") {
		t.Fatal("a got a second token")
	}
}

func TestSetLimit_Overrides(t *testing.T) {
	l, _ := newTestLimiter(t, Config{DefaultCapacity: 1, DefaultWindow: time.Minute})

	l.SetLimit("vip", 3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("vip") {
			t.Fatalf("vip token %d denied", i+1)
		}
	}
	if l.Allow("vip") {
		t.Error("vip exceeded its capacity")
	}

	got := l.GetLimit("vip")
	if got == nil || got.Capacity != 3 || got.Available != 0 {
		t.Errorf("GetLimit() = %+v, want capacity 3, available 0", got)
	}

	// Removing the limit drops the bucket entirely.
	l.SetLimit("vip", 0, 0)
	if l.GetLimit("vip") != nil {
		t.Error("bucket survived removal")
	}
}

func TestForget(t *testing.T) {
	l, _ := newTestLimiter(t, Config{DefaultCapacity: 1, DefaultWindow: time.Minute})

	l.Allow("s1")
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}
	l.Forget("s1")
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after Forget", l.Len())
	}
	// A fresh bucket starts full again.
	if !l.Allow("s1") {
		t.Error("fresh bucket denied")
	}
}

func TestWait_BlocksUntilRefill(t *testing.T) {
	l, err := New(Config{DefaultCapacity: 1, DefaultWindow: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer l.Close()

	if !l.Allow("s1") {
		t.Fatal("first token denied")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := l.Wait(ctx, "s1"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Wait took far longer than the refill window")
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	l, _ := newTestLimiter(t, Config{DefaultCapacity: 1, DefaultWindow: time.Hour})

	l.Allow("s1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "s1"); err != context.DeadlineExceeded {
		t.Fatalf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestClose(t *testing.T) {
	l, _ := newTestLimiter(t, Config{})

	l.Close()
	if l.Allow("s1") {
		t.Error("Allow after Close = true")
	}
}
