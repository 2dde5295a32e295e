package discovery

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"rotaproxy/internal/rotation"
	"rotaproxy/internal/shared/logger"
)

// FreeProxyListSource scrapes the HTML proxy table on
// free-proxy-list.net.
type FreeProxyListSource struct {
	url    string
	client *http.Client
}

// NewFreeProxyListSource 创建一个新的实例。
func NewFreeProxyListSource() *FreeProxyListSource {
	return &FreeProxyListSource{
		url: "https://free-proxy-list.net/",
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (s *FreeProxyListSource) Name() string {
	return "free-proxy-list.net"
}

func (s *FreeProxyListSource) Fetch(ctx context.Context) ([]*rotation.Backend, error) {
	l := logger.WithComponent("Discovery/FreeProxyList")
	l.Debug().Str("source", s.Name()).Msg("Starting fetch...")

	req, err := http.NewRequestWithContext(ctx, "GET", s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page for %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for %s: %w", s.Name(), err)
	}

	var backends []*rotation.Backend
	doc.Find("table.table tbody tr").Each(func(i int, sel *goquery.Selection) {
		host := strings.TrimSpace(sel.Find("td").Eq(0).Text())
		portStr := strings.TrimSpace(sel.Find("td").Eq(1).Text())
		if host == "" || portStr == "" {
			return
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			l.Warn().Str("host", host).Str("port", portStr).Msg("Failed to parse port, skipping.")
			return
		}
		if !isValidHost(host) || port < 1 || port > 65535 {
			return
		}

		// The "Https" column says whether the proxy supports CONNECT.
		scheme := "http"
		if strings.EqualFold(strings.TrimSpace(sel.Find("td").Eq(6).Text()), "yes") {
			scheme = "https"
		}
		backends = append(backends, &rotation.Backend{Host: host, Port: port, Scheme: scheme})
	})

	l.Debug().Int("count", len(backends)).Str("source", s.Name()).Msg("Fetch finished.")
	return backends, nil
}
