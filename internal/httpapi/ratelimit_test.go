package httpapi

import (
	"testing"
	"time"
)

func TestSubmitLimiterBurstAndRefill(t *testing.T) {
	// 10 tokens/second, burst of 3.
	l := newSubmitLimiter(10, 3)

	for i := 0; i < 3; i++ {
		if ok, _ := l.allow("subj-0042"); !ok {
			t.Errorf("burst submission %d was limited", i)
		}
	}

	ok, wait := l.allow("subj-0042")
	if ok {
		t.Fatal("expected limiting after burst")
	}
	if wait <= 0 {
		t.Errorf("expected positive retry wait, got %v", wait)
	}

	// Another actor has an untouched bucket.
	if ok, _ := l.allow("subj-0099"); !ok {
		t.Error("unrelated actor was limited")
	}

	time.Sleep(150 * time.Millisecond)

	if ok, _ := l.allow("subj-0042"); !ok {
		t.Error("expected submission after refill")
	}
}

func TestSubmitLimiterDisabled(t *testing.T) {
	if l := newSubmitLimiter(0, 5); l != nil {
		t.Error("zero rate should disable the limiter")
	}
	if l := newSubmitLimiter(5, 0); l != nil {
		t.Error("zero burst should disable the limiter")
	}
	if l := newSubmitLimiter(-1, 5); l != nil {
		t.Error("negative rate should disable the limiter")
	}
}

func TestSubmitLimiterEvictsIdleBuckets(t *testing.T) {
	l := newSubmitLimiter(10, 3)
	l.allow("subj-0042")
	l.allow("subj-0099")

	// Force both buckets past the idle window and trigger a sweep.
	l.mu.Lock()
	for _, b := range l.buckets {
		b.lastSeen = time.Now().Add(-2 * bucketIdleEvict)
	}
	l.sweepAt = time.Now().Add(-time.Second)
	l.mu.Unlock()

	if ok, _ := l.allow("subj-0007"); !ok {
		t.Fatal("fresh actor was limited")
	}

	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	if n != 1 {
		t.Errorf("expected idle buckets evicted, have %d", n)
	}
}
