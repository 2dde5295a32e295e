package rotation

import (
	"fmt"
	"net/url"
)

// Backend 定义了一个上游出口代理。host+port 相同但 scheme 不同的
// 两个 Backend 视为两个独立的后端。创建后不可变。
type Backend struct {
	Host   string
	Port   int
	Scheme string // "http", "https", "socks4", "socks5"

	// 可选认证
	Username string
	Password string
}

// Key returns the identity of the backend inside the registry.
// Credentials are deliberately not part of the key.
func (b *Backend) Key() string {
	return fmt.Sprintf("%s://%s:%d", b.Scheme, b.Host, b.Port)
}

// URL renders the backend as a proxy URL, including credentials when set.
func (b *Backend) URL() *url.URL {
	u := &url.URL{
		Scheme: b.Scheme,
		Host:   fmt.Sprintf("%s:%d", b.Host, b.Port),
	}
	if b.Username != "" {
		if b.Password != "" {
			u.User = url.UserPassword(b.Username, b.Password)
		} else {
			u.User = url.User(b.Username)
		}
	}
	return u
}

// String returns a human-readable representation with credentials redacted.
func (b *Backend) String() string {
	u := b.URL()
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}
