package types

// BackendProfile 定义了一个上游代理后端的完整配置。
// 这是 configs/backends.json 数据文件的核心数据结构。
type BackendProfile struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Scheme string `json:"scheme"` // "http", "https", "socks4", "socks5"

	// 可选的认证参数
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ServerConf 包含监听服务特有的配置
type ServerConf struct {
	Host string `ini:"host"`
	Port int    `ini:"port"`
}

// RotationConf 包含旋转引擎的行为配置
type RotationConf struct {
	RotateUserAgent       bool    `ini:"rotate_user_agent"`
	RotateBackend         bool    `ini:"rotate_backend"`
	Strategy              string  `ini:"strategy"` // "random" 或 "round_robin"
	VerifyTLS             bool    `ini:"verify_tls"`
	TimeoutSeconds        int     `ini:"timeout_seconds"`
	MaxRetries            int     `ini:"max_retries"`
	RetryDelayMillis      int     `ini:"retry_delay_ms"`
	RateLimit             float64 `ini:"rate_limit"` // 每秒请求数, 0 表示不限
	FailureThreshold      int     `ini:"failure_threshold"`
	RecoveryWindowSeconds int     `ini:"recovery_window_seconds"`
}

// DiscoveryConf 包含免费代理发现的配置
type DiscoveryConf struct {
	Enabled     bool `ini:"enabled"`
	MaxBackends int  `ini:"max_backends"`
	Verify      bool `ini:"verify"`
	TimeoutSecs int  `ini:"timeout_seconds"`
	Concurrency int  `ini:"concurrency"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// Config 是整个进程的统一配置结构体 (行为配置, 不含后端数据)
type Config struct {
	ServerConf    `ini:"server"`
	RotationConf  `ini:"rotation"`
	DiscoveryConf `ini:"discovery"`
	LogConf       `ini:"log"`
}
