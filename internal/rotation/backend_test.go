package rotation

import (
	"strings"
	"testing"
)

func TestBackendURL_Credentials(t *testing.T) {
	full := &Backend{Host: "10.0.0.1", Port: 3128, Scheme: "http", Username: "user", Password: "pw"}
	u := full.URL()
	if u.User == nil || u.User.Username() != "user" {
		t.Fatalf("expected username in URL, got %v", u.User)
	}
	if pw, set := u.User.Password(); !set || pw != "pw" {
		t.Errorf("expected password in URL, got %q (set=%v)", pw, set)
	}

	userOnly := &Backend{Host: "10.0.0.1", Port: 3128, Scheme: "http", Username: "user"}
	u = userOnly.URL()
	if u.User == nil || u.User.Username() != "user" {
		t.Fatalf("username-only auth was dropped, got %v", u.User)
	}
	if _, set := u.User.Password(); set {
		t.Error("unexpected password for username-only auth")
	}

	anon := &Backend{Host: "10.0.0.1", Port: 3128, Scheme: "http"}
	if anon.URL().User != nil {
		t.Error("unexpected credentials on an unauthenticated backend")
	}
}

func TestBackendString_RedactsCredentials(t *testing.T) {
	b := &Backend{Host: "10.0.0.1", Port: 3128, Scheme: "http", Username: "user", Password: "secret"}
	s := b.String()
	if strings.Contains(s, "secret") || strings.Contains(s, "user:") {
		t.Errorf("String() leaked credentials: %q", s)
	}
	if !strings.Contains(s, "***") {
		t.Errorf("String() did not redact credentials: %q", s)
	}
}
