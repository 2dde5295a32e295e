package discovery

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"rotaproxy/internal/rotation"
	"rotaproxy/internal/shared/logger"
)

// ProxyNovaSource scrapes the proxy table on proxynova.com.
type ProxyNovaSource struct {
	collector *colly.Collector
}

// NewProxyNovaSource 创建一个新的 ProxyNovaSource 实例。
func NewProxyNovaSource() *ProxyNovaSource {
	c := colly.NewCollector(
		colly.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	c.SetRequestTimeout(20 * time.Second)

	return &ProxyNovaSource{
		collector: c,
	}
}

func (s *ProxyNovaSource) Name() string {
	return "proxynova.com"
}

func (s *ProxyNovaSource) Fetch(ctx context.Context) ([]*rotation.Backend, error) {
	l := logger.WithComponent("Discovery/ProxyNova")
	l.Debug().Str("source", s.Name()).Msg("Starting fetch...")

	var backends []*rotation.Backend
	var mu sync.Mutex // 使用互斥锁来安全地追加到 backends 切片

	c := s.collector.Clone()
	c.OnRequest(func(r *colly.Request) {
		select {
		case <-ctx.Done():
			r.Abort()
		default:
		}
	})

	c.OnHTML("table#tbl_proxy_list tbody tr", func(e *colly.HTMLElement) {
		host := strings.TrimSpace(e.ChildText("td:nth-child(1)"))
		portStr := strings.TrimSpace(e.ChildText("td:nth-child(2)"))
		if host == "" || portStr == "" {
			return
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			l.Warn().Str("host", host).Str("port", portStr).Str("source", s.Name()).Msg("Failed to parse port, skipping.")
			return
		}
		if !isValidHost(host) || port < 1 || port > 65535 {
			return
		}

		mu.Lock()
		backends = append(backends, &rotation.Backend{Host: host, Port: port, Scheme: "http"})
		mu.Unlock()
	})

	if err := c.Visit("https://www.proxynova.com/proxy-server-list/"); err != nil {
		return nil, err
	}
	c.Wait()

	l.Debug().Int("count", len(backends)).Str("source", s.Name()).Msg("Fetch finished.")
	return backends, nil
}
