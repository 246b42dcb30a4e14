package metrics

import "testing"

func TestCountersAccumulatePerSourceAndTotal(t *testing.T) {
	e := NewEmitter()

	e.Fetched("a", 10)
	e.Fetched("b", 5)
	e.Normalized("a")
	e.Normalized("a")
	e.Deduped("a")
	e.Persisted("b")
	e.DroppedParse("a")
	e.DroppedQueue("b")
	e.Reconnect("b")
	e.Failure("a", "transient")
	e.Failure("a", "transient")
	e.Failure("a", "rate_limited")

	snap := e.Snapshot()

	if snap.Totals.Fetched != 15 {
		t.Fatalf("total fetched = %d, want 15", snap.Totals.Fetched)
	}
	if snap.Totals.Normalized != 2 {
		t.Fatalf("total normalized = %d, want 2", snap.Totals.Normalized)
	}
	if snap.Totals.Failures["transient"] != 2 || snap.Totals.Failures["rate_limited"] != 1 {
		t.Fatalf("unexpected total failures: %v", snap.Totals.Failures)
	}

	a := snap.Sources["a"]
	if a.Fetched != 10 || a.Normalized != 2 || a.Deduped != 1 || a.DroppedParse != 1 {
		t.Fatalf("unexpected counters for a: %+v", a)
	}
	b := snap.Sources["b"]
	if b.Fetched != 5 || b.Persisted != 1 || b.DroppedQueue != 1 || b.Reconnects != 1 {
		t.Fatalf("unexpected counters for b: %+v", b)
	}
}

func TestFetchedIgnoresNonPositive(t *testing.T) {
	e := NewEmitter()
	e.Fetched("a", 0)
	e.Fetched("a", -3)
	if got := e.Snapshot().Totals.Fetched; got != 0 {
		t.Fatalf("fetched = %d, want 0", got)
	}
}

func TestSnapshotIsDetachedCopy(t *testing.T) {
	e := NewEmitter()
	e.Failure("a", "transient")

	snap := e.Snapshot()
	snap.Totals.Failures["transient"] = 100
	snap.Sources["a"] = Counters{Fetched: 999}

	// 改快照不应影响发射器内部状态
	fresh := e.Snapshot()
	if fresh.Totals.Failures["transient"] != 1 {
		t.Fatalf("emitter state mutated via snapshot: %v", fresh.Totals.Failures)
	}
	if fresh.Sources["a"].Fetched != 0 {
		t.Fatalf("source counters mutated via snapshot: %+v", fresh.Sources["a"])
	}
}

func TestAuthFailureWarnsOncePerSource(t *testing.T) {
	e := NewEmitter()
	// 重复上报不应 panic，告警去重逻辑在内部状态里体现
	e.AuthFailure("a")
	e.AuthFailure("a")
	e.AuthFailure("b")

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.authWarned["a"] || !e.authWarned["b"] {
		t.Fatalf("authWarned = %v, want both sources marked", e.authWarned)
	}
}
