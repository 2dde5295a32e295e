package rotation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordedCall captures what the engine handed to the transport for one
// attempt.
type recordedCall struct {
	UserAgent string
	Header    http.Header
	URL       string
	Backend   *Backend
	At        time.Time
}

// mockTransport scripts transport outcomes per attempt. A nil entry in
// errs (or running past its end) means the attempt succeeds.
type mockTransport struct {
	mu     sync.Mutex
	errs   []error
	status int
	calls  []recordedCall
	closed bool
}

func (m *mockTransport) Do(req *http.Request, backend *Backend) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, recordedCall{
		UserAgent: req.Header.Get("User-Agent"),
		Header:    req.Header.Clone(),
		URL:       req.URL.String(),
		Backend:   backend,
		At:        time.Now(),
	})

	idx := len(m.calls) - 1
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

func (m *mockTransport) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// timeoutError satisfies net.Error for 504 mapping tests.
type timeoutError struct{}

func (timeoutError) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func newTestEngine(t *testing.T, cfg Config, transport Transport) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine() returned an error: %v", err)
	}
	engine.SetTransport(transport)
	return engine
}

func TestEngine_RetryPolicyAttemptsAndLinearBackoff(t *testing.T) {
	connRefused := errors.New("dial tcp: connection refused")
	transport := &mockTransport{
		errs: []error{connRefused, connRefused, connRefused, connRefused},
	}
	engine := newTestEngine(t, Config{
		Strategy:       StrategyRandom,
		MaxRetries:     3,
		BaseRetryDelay: 10 * time.Millisecond,
	}, transport)
	defer engine.Close()

	start := time.Now()
	_, err := engine.Execute(context.Background(), &Request{Method: "GET", URL: "http://example.test/a"})
	elapsed := time.Since(start)

	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("expected *DispatchError, got %v", err)
	}
	if dispatchErr.Attempts != 4 {
		t.Errorf("expected 4 total attempts (1 initial + 3 retries), got %d", dispatchErr.Attempts)
	}
	if !errors.Is(err, connRefused) {
		t.Errorf("DispatchError does not wrap the transport error: %v", err)
	}
	// Linear backoff 1x+2x+3x = 60ms minimum.
	if elapsed < 60*time.Millisecond {
		t.Errorf("retries finished in %v, expected at least 60ms of backoff", elapsed)
	}
	if len(transport.calls) != 4 {
		t.Errorf("transport saw %d calls, expected 4", len(transport.calls))
	}
}

func TestEngine_RetrySwitchesBackendAndQuarantinesFailed(t *testing.T) {
	transport := &mockTransport{errs: []error{errors.New("connection reset")}}
	engine := newTestEngine(t, Config{
		RotateBackend:  true,
		Strategy:       StrategyRoundRobin,
		MaxRetries:     3,
		BaseRetryDelay: time.Millisecond,
	}, transport)
	defer engine.Close()

	b1 := &Backend{Host: "10.0.0.1", Port: 3128, Scheme: "http"}
	b2 := &Backend{Host: "10.0.0.2", Port: 3128, Scheme: "http"}
	engine.RegisterBackend(b1)
	engine.RegisterBackend(b2)

	resp, err := engine.Execute(context.Background(), &Request{Method: "GET", URL: "http://example.test/a"})
	if err != nil {
		t.Fatalf("Execute() returned an error: %v", err)
	}
	resp.Body.Close()

	if len(transport.calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(transport.calls))
	}
	if transport.calls[0].Backend.Key() == transport.calls[1].Backend.Key() {
		t.Error("retry reused the backend that just failed")
	}

	total, healthy := engine.Registry().Snapshot()
	if total != 2 || healthy != 1 {
		t.Errorf("expected 2 total / 1 healthy after one failure, got %d/%d", total, healthy)
	}
}

func TestEngine_NoHealthyBackendIsTerminal(t *testing.T) {
	transport := &mockTransport{}
	engine := newTestEngine(t, Config{
		RotateBackend:  true,
		Strategy:       StrategyRandom,
		MaxRetries:     3,
		BaseRetryDelay: time.Millisecond,
	}, transport)
	defer engine.Close()

	_, err := engine.Execute(context.Background(), &Request{Method: "GET", URL: "http://example.test/a"})
	if !errors.Is(err, ErrNoHealthyBackend) {
		t.Fatalf("expected ErrNoHealthyBackend, got %v", err)
	}
	if len(transport.calls) != 0 {
		t.Errorf("transport was called %d times without a backend", len(transport.calls))
	}
}

func TestEngine_HTTPErrorStatusIsNotADispatchFailure(t *testing.T) {
	transport := &mockTransport{status: http.StatusInternalServerError}
	engine := newTestEngine(t, Config{
		RotateBackend:  true,
		Strategy:       StrategyRandom,
		MaxRetries:     3,
		BaseRetryDelay: time.Millisecond,
	}, transport)
	defer engine.Close()

	engine.RegisterBackend(&Backend{Host: "10.0.0.1", Port: 3128, Scheme: "http"})

	resp, err := engine.Execute(context.Background(), &Request{Method: "GET", URL: "http://example.test/a"})
	if err != nil {
		t.Fatalf("Execute() returned an error for a 500 response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected the 500 to pass through, got %d", resp.StatusCode)
	}
	if len(transport.calls) != 1 {
		t.Errorf("a 500 response triggered %d attempts, expected 1", len(transport.calls))
	}
	if _, healthy := engine.Registry().Snapshot(); healthy != 1 {
		t.Error("a 500 response quarantined the backend")
	}
}

func TestEngine_UserAgentAlwaysFromPool(t *testing.T) {
	transport := &mockTransport{}
	agents := []string{"ua-a", "ua-b", "ua-c"}
	engine := newTestEngine(t, Config{
		RotateIdentity: true,
		Strategy:       StrategyRandom,
		UserAgents:     agents,
	}, transport)
	defer engine.Close()

	members := map[string]bool{"ua-a": true, "ua-b": true, "ua-c": true}
	for i := 0; i < 20; i++ {
		resp, err := engine.Execute(context.Background(), &Request{Method: "GET", URL: "http://example.test/a"})
		if err != nil {
			t.Fatalf("Execute() returned an error: %v", err)
		}
		resp.Body.Close()
	}
	for i, call := range transport.calls {
		if call.UserAgent == "" || !members[call.UserAgent] {
			t.Fatalf("attempt %d used User-Agent %q, not a pool member", i, call.UserAgent)
		}
	}
}

func TestEngine_HeaderPrecedence(t *testing.T) {
	transport := &mockTransport{}
	engine := newTestEngine(t, Config{
		RotateIdentity: true,
		Strategy:       StrategyRoundRobin,
		UserAgents:     []string{"pool-agent"},
		DefaultHeaders: http.Header{
			"User-Agent": []string{"default-agent"},
			"X-Api-Key":  []string{"default-key"},
			"X-Default":  []string{"kept"},
		},
	}, transport)
	defer engine.Close()

	resp, err := engine.Execute(context.Background(), &Request{
		Method: "GET",
		URL:    "http://example.test/a",
		Header: http.Header{"X-Api-Key": []string{"caller-key"}},
	})
	if err != nil {
		t.Fatalf("Execute() returned an error: %v", err)
	}
	resp.Body.Close()

	call := transport.calls[0]
	if got := call.Header.Get("User-Agent"); got != "pool-agent" {
		t.Errorf("identity did not win over default User-Agent, got %q", got)
	}
	if got := call.Header.Get("X-Api-Key"); got != "caller-key" {
		t.Errorf("caller header did not win over default, got %q", got)
	}
	if got := call.Header.Get("X-Default"); got != "kept" {
		t.Errorf("default header was lost, got %q", got)
	}
}

func TestEngine_CallerUserAgentWinsOverIdentity(t *testing.T) {
	transport := &mockTransport{}
	engine := newTestEngine(t, Config{
		RotateIdentity: true,
		Strategy:       StrategyRandom,
		UserAgents:     []string{"pool-agent"},
	}, transport)
	defer engine.Close()

	resp, err := engine.Execute(context.Background(), &Request{
		Method: "GET",
		URL:    "http://example.test/a",
		Header: http.Header{"User-Agent": []string{"caller-agent"}},
	})
	if err != nil {
		t.Fatalf("Execute() returned an error: %v", err)
	}
	resp.Body.Close()

	if got := transport.calls[0].Header.Get("User-Agent"); got != "caller-agent" {
		t.Errorf("caller User-Agent did not win, got %q", got)
	}
}

func TestEngine_QueryParamsMergedIntoURL(t *testing.T) {
	transport := &mockTransport{}
	engine := newTestEngine(t, Config{Strategy: StrategyRandom}, transport)
	defer engine.Close()

	resp, err := engine.Execute(context.Background(), &Request{
		Method: "GET",
		URL:    "http://example.test/a?x=1",
		Query:  map[string][]string{"y": {"2"}},
	})
	if err != nil {
		t.Fatalf("Execute() returned an error: %v", err)
	}
	resp.Body.Close()

	url := transport.calls[0].URL
	if !strings.Contains(url, "x=1") || !strings.Contains(url, "y=2") {
		t.Errorf("query params not merged, got %q", url)
	}
}

func TestEngine_BackoffHonorsCancellation(t *testing.T) {
	failure := errors.New("connection refused")
	transport := &mockTransport{errs: []error{failure, failure, failure, failure}}
	engine := newTestEngine(t, Config{
		Strategy:       StrategyRandom,
		MaxRetries:     3,
		BaseRetryDelay: time.Second,
	}, transport)
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := engine.Execute(ctx, &Request{Method: "GET", URL: "http://example.test/a"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("cancellation did not interrupt backoff, took %v", elapsed)
	}
}

func TestEngine_DispatchErrorTimeoutDetection(t *testing.T) {
	err := &DispatchError{Attempts: 4, Err: timeoutError{}}
	if !err.IsTimeout() {
		t.Error("expected IsTimeout()==true for a net timeout error")
	}
	err = &DispatchError{Attempts: 4, Err: errors.New("connection refused")}
	if err.IsTimeout() {
		t.Error("expected IsTimeout()==false for a plain connection error")
	}
}

func TestEngine_ConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"negative retries", Config{Strategy: StrategyRandom, MaxRetries: -1}},
		{"negative rate limit", Config{Strategy: StrategyRandom, RateLimit: -1}},
		{"unknown strategy", Config{Strategy: "least_connections"}},
		{"empty identity pool", Config{Strategy: StrategyRandom, RotateIdentity: true, UserAgents: []string{}}},
	}
	for _, tc := range cases {
		if _, err := NewEngine(tc.cfg); err == nil {
			t.Errorf("%s: expected a construction error", tc.name)
		}
	}
}

func TestEngine_StatsSnapshot(t *testing.T) {
	engine, err := NewEngine(Config{
		RotateBackend: true,
		Strategy:      StrategyRoundRobin,
		RateLimit:     2.5,
	})
	if err != nil {
		t.Fatalf("NewEngine() returned an error: %v", err)
	}
	defer engine.Close()

	b1 := &Backend{Host: "10.0.0.1", Port: 3128, Scheme: "http"}
	engine.RegisterBackend(b1)
	engine.RegisterBackend(&Backend{Host: "10.0.0.2", Port: 3128, Scheme: "http"})
	engine.RegisterBackend(&Backend{Host: "10.0.0.3", Port: 1080, Scheme: "socks5"})
	engine.Registry().MarkFailure(b1)

	stats := engine.Stats()
	if stats.TotalBackends != 3 || stats.HealthyBackends != 2 {
		t.Errorf("expected 3/2, got %d/%d", stats.TotalBackends, stats.HealthyBackends)
	}
	if stats.TotalIdentities < 20 {
		t.Errorf("expected the default identity pool, got %d", stats.TotalIdentities)
	}
	if stats.Strategy != string(StrategyRoundRobin) {
		t.Errorf("unexpected strategy %q", stats.Strategy)
	}
	if stats.RateLimit == nil || *stats.RateLimit != 2.5 {
		t.Errorf("unexpected rate limit %v", stats.RateLimit)
	}
}

func TestEngine_CloseReleasesTransport(t *testing.T) {
	transport := &mockTransport{}
	engine := newTestEngine(t, Config{Strategy: StrategyRandom}, transport)
	engine.Close()
	if !transport.closed {
		t.Error("Close() did not release the transport")
	}
}
