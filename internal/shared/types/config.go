package types

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
	JSON  bool   `ini:"json"` // 输出 JSON 而不是彩色控制台格式
}

// PoolConf 描述代理列表文件的位置。相对路径以配置目录为基准。
type PoolConf struct {
	ProxyFile        string   `ini:"proxy_file"`
	IgnoreFile       string   `ini:"ignore_file"`
	HealthyFile      string   `ini:"healthy_file"`
	UserIDFile       string   `ini:"user_id_file"`
	RemoteListFile   string   `ini:"remote_list_file"`
	RemoteLists      []string `ini:"remote_lists" delim:","`
	FetchTimeoutSecs int      `ini:"fetch_timeout_seconds"`
}

// SessionConf 包含与远端服务会话相关的配置
type SessionConf struct {
	URL                  string `ini:"url"`
	ServerName           string `ini:"server_name"` // TLS SNI, 为空时取 URL 的主机名
	RandomUserAgent      bool   `ini:"random_user_agent"`
	UserAgent            string `ini:"user_agent"`
	HandshakeTimeoutSecs int    `ini:"handshake_timeout_seconds"`
	HeartbeatSecs        int    `ini:"heartbeat_interval_seconds"`
	HeartbeatDelayMs     int    `ini:"heartbeat_initial_delay_ms"`
	WriteTimeoutSecs     int    `ini:"write_timeout_seconds"`
}

// SupervisorConf 控制会话的启动节奏
type SupervisorConf struct {
	JitterMinMs        int `ini:"jitter_min_ms"`
	JitterMaxMs        int `ini:"jitter_max_ms"`
	MaxConcurrentDials int `ini:"max_concurrent_dials"` // 0 表示不限制
	StatsIntervalSecs  int `ini:"stats_interval_seconds"`
}

// MetricsConf 控制 Prometheus 指标的 HTTP 监听
type MetricsConf struct {
	Listen string `ini:"listen"` // 为空则不监听
}

// Config 是 fleet 项目的统一配置结构体
type Config struct {
	LogConf        `ini:"log"`
	PoolConf       `ini:"pool"`
	SessionConf    `ini:"session"`
	SupervisorConf `ini:"supervisor"`
	MetricsConf    `ini:"metrics"`

	// UserID 不来自 ini，而是从 user_id_file 或环境变量读取。
	UserID string `ini:"-"`
}
