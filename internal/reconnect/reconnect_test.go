package reconnect

import (
	"testing"
	"time"
)

type fakeScheduler struct {
	delays    []time.Duration
	cancelled int
}

func (f *fakeScheduler) schedule(delay time.Duration, fn func()) func() {
	f.delays = append(f.delays, delay)
	return func() { f.cancelled++ }
}

func TestBackoffDelaysDouble(t *testing.T) {
	sched := &fakeScheduler{}
	c := New(time.Second, 5, WithScheduler(sched.schedule))

	//1.- Attempts 0..4 schedule delays of base times 1, 2, 4, 8, 16.
	for i := 0; i < 5; i++ {
		if !c.ConnectionLost("conn-1") {
			t.Fatalf("attempt %d refused before the cap", i)
		}
	}
	want := []time.Duration{1, 2, 4, 8, 16}
	if len(sched.delays) != len(want) {
		t.Fatalf("scheduled %d retries, want %d", len(sched.delays), len(want))
	}
	for i, factor := range want {
		if sched.delays[i] != factor*time.Second {
			t.Fatalf("delay %d = %v, want %v", i, sched.delays[i], factor*time.Second)
		}
	}
}

func TestSixthFailureGivesUp(t *testing.T) {
	var gaveUp []string
	sched := &fakeScheduler{}
	c := New(time.Second, 5,
		WithScheduler(sched.schedule),
		WithGiveUpCallback(func(connID string) { gaveUp = append(gaveUp, connID) }),
	)

	for i := 0; i < 5; i++ {
		c.ConnectionLost("conn-1")
	}
	if c.ConnectionLost("conn-1") {
		t.Fatalf("sixth failure still scheduled a retry")
	}
	if len(gaveUp) != 1 || gaveUp[0] != "conn-1" {
		t.Fatalf("give-up calls = %v", gaveUp)
	}
	//1.- Tracking is gone, so the counter restarts for a fresh connection.
	if c.Attempts("conn-1") != 0 {
		t.Fatalf("attempts = %d after give-up, want 0", c.Attempts("conn-1"))
	}
	if len(sched.delays) != 5 {
		t.Fatalf("scheduled %d retries, want 5", len(sched.delays))
	}
}

func TestSuccessClearsCounterAndTimer(t *testing.T) {
	sched := &fakeScheduler{}
	c := New(time.Second, 5, WithScheduler(sched.schedule))

	c.ConnectionLost("conn-1")
	c.ConnectionLost("conn-1")
	if c.Attempts("conn-1") != 2 {
		t.Fatalf("attempts = %d, want 2", c.Attempts("conn-1"))
	}

	c.ConnectionSucceeded("conn-1")
	if c.Attempts("conn-1") != 0 {
		t.Fatalf("attempts = %d after success, want 0", c.Attempts("conn-1"))
	}
	if sched.cancelled == 0 {
		t.Fatalf("pending timer not cancelled on success")
	}

	//1.- The next loss starts over at the base delay.
	c.ConnectionLost("conn-1")
	if got := sched.delays[len(sched.delays)-1]; got != time.Second {
		t.Fatalf("delay after reset = %v, want 1s", got)
	}
}

func TestRetryCallbackCarriesAttempt(t *testing.T) {
	var fired []int
	pending := make([]func(), 0)
	c := New(time.Millisecond, 5,
		WithScheduler(func(_ time.Duration, fn func()) func() {
			pending = append(pending, fn)
			return func() {}
		}),
		WithRetryCallback(func(_ string, attempt int) { fired = append(fired, attempt) }),
	)

	c.ConnectionLost("conn-1")
	c.ConnectionLost("conn-1")
	for _, fn := range pending {
		fn()
	}
	if len(fired) != 2 || fired[0] != 0 || fired[1] != 1 {
		t.Fatalf("retry attempts = %v, want [0 1]", fired)
	}
}
