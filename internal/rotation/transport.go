package rotation

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"
)

// Transport executes a single prepared attempt through the selected
// backend (nil backend = direct connection). Implementations own any
// pooled connections and release them in Close.
type Transport interface {
	Do(req *http.Request, backend *Backend) (*http.Response, error)
	Close()
}

// pooledTransport keeps one http.Client per backend so keep-alive
// connections are reused across attempts.
type pooledTransport struct {
	verifyTLS bool
	timeout   time.Duration

	mu      sync.Mutex
	clients map[string]*http.Client // key: Backend.Key(), "" for direct
}

// NewTransport builds the production transport. The timeout is the hard
// upper bound for one attempt; verifyTLS=false disables certificate
// verification towards the target.
func NewTransport(verifyTLS bool, timeout time.Duration) Transport {
	return &pooledTransport{
		verifyTLS: verifyTLS,
		timeout:   timeout,
		clients:   make(map[string]*http.Client),
	}
}

func (t *pooledTransport) Do(req *http.Request, backend *Backend) (*http.Response, error) {
	client, err := t.clientFor(backend)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

func (t *pooledTransport) clientFor(backend *Backend) (*http.Client, error) {
	key := ""
	if backend != nil {
		key = backend.Key()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if client, ok := t.clients[key]; ok {
		return client, nil
	}

	transport, err := t.buildTransport(backend)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   t.timeout,
	}
	t.clients[key] = client
	return client, nil
}

func (t *pooledTransport) buildTransport(backend *Backend) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   t.timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: !t.verifyTLS},
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if backend == nil {
		return transport, nil
	}

	switch backend.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(backend.URL())

	case "socks5":
		var auth *proxy.Auth
		if backend.Username != "" {
			auth = &proxy.Auth{User: backend.Username, Password: backend.Password}
		}
		socksDialer, err := proxy.SOCKS5("tcp", fmt.Sprintf("%s:%d", backend.Host, backend.Port), auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer for %s: %w", backend, err)
		}
		contextDialer := socksDialer.(proxy.ContextDialer)
		transport.DialContext = contextDialer.DialContext

	case "socks4":
		dialFunc := socks.Dial(fmt.Sprintf("socks4://%s:%d?timeout=%s", backend.Host, backend.Port, t.timeout))
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialFunc(network, addr)
		}

	default:
		return nil, fmt.Errorf("unsupported backend scheme %q", backend.Scheme)
	}
	return transport, nil
}

// Close releases idle pooled connections for every client created so far.
func (t *pooledTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, client := range t.clients {
		if transport, ok := client.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
	t.clients = make(map[string]*http.Client)
}
