package rotation

import (
	"errors"
	"testing"
	"time"
)

func testBackend(host string) *Backend {
	return &Backend{Host: host, Port: 8080, Scheme: "http"}
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := NewRegistry(1, time.Minute)
	b := testBackend("10.0.0.1")
	r.Register(b)
	r.Register(&Backend{Host: "10.0.0.1", Port: 8080, Scheme: "http"})

	total, healthy := r.Snapshot()
	if total != 1 || healthy != 1 {
		t.Fatalf("expected 1/1 after duplicate register, got %d/%d", total, healthy)
	}
}

func TestRegistry_SchemeDistinguishesBackends(t *testing.T) {
	r := NewRegistry(1, time.Minute)
	r.Register(&Backend{Host: "10.0.0.1", Port: 8080, Scheme: "http"})
	r.Register(&Backend{Host: "10.0.0.1", Port: 8080, Scheme: "socks5"})

	if total, _ := r.Snapshot(); total != 2 {
		t.Fatalf("expected 2 backends, got %d", total)
	}
}

func TestRegistry_FailureQuarantinesImmediately(t *testing.T) {
	r := NewRegistry(1, time.Minute)
	b := testBackend("10.0.0.1")
	r.Register(b)

	r.MarkFailure(b)

	if _, err := r.Select(StrategyRandom); !errors.Is(err, ErrNoHealthyBackend) {
		t.Fatalf("expected ErrNoHealthyBackend, got %v", err)
	}
	if _, healthy := r.Snapshot(); healthy != 0 {
		t.Fatalf("expected 0 healthy backends, got %d", healthy)
	}
}

func TestRegistry_SuccessClearsQuarantine(t *testing.T) {
	r := NewRegistry(1, time.Minute)
	b := testBackend("10.0.0.1")
	r.Register(b)
	r.MarkFailure(b)

	r.MarkSuccess(b)

	selected, err := r.Select(StrategyRandom)
	if err != nil {
		t.Fatalf("Select() returned an error: %v", err)
	}
	if selected.Key() != b.Key() {
		t.Fatalf("expected %s, got %s", b.Key(), selected.Key())
	}
}

func TestRegistry_RecoveryWindowReadmitsBackend(t *testing.T) {
	r := NewRegistry(1, 5*time.Minute)
	now := time.Now()
	r.now = func() time.Time { return now }

	b := testBackend("10.0.0.1")
	r.Register(b)
	r.MarkFailure(b)

	if _, err := r.Select(StrategyRandom); !errors.Is(err, ErrNoHealthyBackend) {
		t.Fatalf("expected quarantine before the window elapses, got %v", err)
	}

	now = now.Add(5 * time.Minute)
	selected, err := r.Select(StrategyRandom)
	if err != nil {
		t.Fatalf("expected auto-recovery after the window, got %v", err)
	}
	if selected.Key() != b.Key() {
		t.Fatalf("expected %s, got %s", b.Key(), selected.Key())
	}

	// The failure counter survives auto-recovery: one more failure must
	// quarantine again without crossing the threshold from scratch.
	r.MarkFailure(b)
	if _, err := r.Select(StrategyRandom); !errors.Is(err, ErrNoHealthyBackend) {
		t.Fatalf("expected re-quarantine after failure post-recovery, got %v", err)
	}
}

func TestRegistry_ConfigurableFailureThreshold(t *testing.T) {
	r := NewRegistry(3, time.Minute)
	b := testBackend("10.0.0.1")
	r.Register(b)

	r.MarkFailure(b)
	r.MarkFailure(b)
	if _, healthy := r.Snapshot(); healthy != 1 {
		t.Fatalf("backend quarantined below threshold, healthy=%d", healthy)
	}

	r.MarkFailure(b)
	if _, healthy := r.Snapshot(); healthy != 0 {
		t.Fatalf("backend not quarantined at threshold, healthy=%d", healthy)
	}
}

func TestRegistry_RoundRobinSkipsUnhealthy(t *testing.T) {
	r := NewRegistry(1, time.Minute)
	b1 := testBackend("10.0.0.1")
	b2 := testBackend("10.0.0.2")
	b3 := testBackend("10.0.0.3")
	r.Register(b1)
	r.Register(b2)
	r.Register(b3)
	r.MarkFailure(b2)

	var picked []string
	for i := 0; i < 4; i++ {
		b, err := r.Select(StrategyRoundRobin)
		if err != nil {
			t.Fatalf("Select() returned an error: %v", err)
		}
		picked = append(picked, b.Host)
	}

	for i, host := range picked {
		if host == "10.0.0.2" {
			t.Fatalf("pick %d returned a quarantined backend", i)
		}
	}
	if picked[0] == picked[1] {
		t.Errorf("round-robin returned the same backend twice in a row: %v", picked)
	}
}

func TestRegistry_SelectExcluding(t *testing.T) {
	r := NewRegistry(1, time.Minute)
	b1 := testBackend("10.0.0.1")
	b2 := testBackend("10.0.0.2")
	r.Register(b1)
	r.Register(b2)

	excluded := map[string]struct{}{b1.Key(): {}}
	for i := 0; i < 5; i++ {
		b, err := r.SelectExcluding(StrategyRandom, excluded)
		if err != nil {
			t.Fatalf("SelectExcluding() returned an error: %v", err)
		}
		if b.Key() == b1.Key() {
			t.Fatal("SelectExcluding returned an excluded backend")
		}
	}

	excluded[b2.Key()] = struct{}{}
	if _, err := r.SelectExcluding(StrategyRandom, excluded); !errors.Is(err, ErrNoHealthyBackend) {
		t.Fatalf("expected ErrNoHealthyBackend with all backends excluded, got %v", err)
	}
}

func TestRegistry_SnapshotCountsRecoveredBackends(t *testing.T) {
	r := NewRegistry(1, 5*time.Minute)
	now := time.Now()
	r.now = func() time.Time { return now }

	r.Register(testBackend("10.0.0.1"))
	r.Register(testBackend("10.0.0.2"))
	r.Register(testBackend("10.0.0.3"))
	r.MarkFailure(testBackend("10.0.0.2"))

	total, healthy := r.Snapshot()
	if total != 3 || healthy != 2 {
		t.Fatalf("expected 3/2, got %d/%d", total, healthy)
	}

	now = now.Add(5 * time.Minute)
	if _, healthy := r.Snapshot(); healthy != 3 {
		t.Fatalf("expected all backends healthy after the recovery window, got %d", healthy)
	}
}
