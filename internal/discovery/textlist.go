package discovery

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"rotaproxy/internal/rotation"
	"rotaproxy/internal/shared/logger"
)

// defaultTextSources 是返回 "host:port" 纯文本列表的公开代理源。
var defaultTextSources = []string{
	"https://api.proxyscrape.com/v2/?request=get&protocol=http&timeout=10000&country=all&ssl=all&anonymity=all",
	"https://www.proxy-list.download/api/v1/get?type=http",
	"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
	"https://raw.githubusercontent.com/ShiftyTR/Proxy-List/master/http.txt",
	"https://raw.githubusercontent.com/monosans/proxy-list/main/proxies/http.txt",
	"https://raw.githubusercontent.com/clarketm/proxy-list/master/proxy-list-raw.txt",
}

// TextListSource fetches a plain-text "host:port per line" proxy list.
type TextListSource struct {
	url    string
	client *http.Client
}

// NewTextListSource 创建一个新的纯文本列表源。
func NewTextListSource(listURL string) *TextListSource {
	return &TextListSource{
		url: listURL,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (s *TextListSource) Name() string {
	if u, err := url.Parse(s.url); err == nil {
		return u.Host
	}
	return s.url
}

func (s *TextListSource) Fetch(ctx context.Context) ([]*rotation.Backend, error) {
	l := logger.WithComponent("Discovery/TextList")
	l.Debug().Str("source", s.Name()).Msg("Starting fetch...")

	req, err := http.NewRequestWithContext(ctx, "GET", s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch list from %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	var backends []*rotation.Backend
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if b, ok := parseProxyLine(scanner.Text(), "http"); ok {
			backends = append(backends, b)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list from %s: %w", s.Name(), err)
	}

	l.Debug().Int("count", len(backends)).Str("source", s.Name()).Msg("Fetch finished.")
	return backends, nil
}
