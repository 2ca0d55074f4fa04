package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProxyConfig 是端到端代理验证相关的配置
type ProxyConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Binary       string `yaml:"binary"`        // 代理进程可执行文件路径
	Template     string `yaml:"template"`      // 代理配置模板文件名
	Kind         string `yaml:"kind"`          // socks 或 http
	ValidateURL  string `yaml:"validate_url"`  // 通过隧道访问的验证地址
	TimeoutMS    int    `yaml:"timeout_ms"`    // 单次隧道验证的总超时
	TopN         int    `yaml:"top_n"`         // 收集到多少个通过验证的 IP 后提前结束
	StartWaitMS  int    `yaml:"start_wait_ms"` // 等待代理进程监听端口就绪的上限
	PollDelayMS  int    `yaml:"poll_delay_ms"` // 端口轮询间隔
}

// Config 结构用于映射 config.yaml 文件的内容。
// 每次运行加载一次后不再修改，按值传入各组件，不存在全局可变状态。
type Config struct {
	IPVersion string `yaml:"ip_version"` // ipv4 或 ipv6

	// 区间匹配
	ReferenceURL string `yaml:"reference_url"` // 留空时按 ip_version 使用官方列表
	MatchMode    string `yaml:"match_mode"`    // overlap 或 contain

	// 可达性探测
	ProbeConcurrency int    `yaml:"probe_concurrency"`
	ProbeTimeoutMS   int    `yaml:"probe_timeout_ms"`
	SamplesPerRange  int    `yaml:"samples_per_range"`
	Port             int    `yaml:"port"`
	UseTLS           bool   `yaml:"use_tls"`
	Hostname         string `yaml:"hostname"`    // TLS SNI 与 Host 头使用的逻辑主机名
	VerifyMode       string `yaml:"verify_mode"` // trace、generic 或 off
	VerifyURL        string `yaml:"verify_url"`

	// 区间通过阈值
	MaxLatency     int     `yaml:"max_latency"` // 毫秒
	MinSuccessRate float64 `yaml:"min_success_rate"`

	// 下载测速
	SpeedTestConcurrency int     `yaml:"speedtest_concurrency"`
	SpeedTestURL         string  `yaml:"speedtest_url"`
	SpeedTestTimeoutS    int     `yaml:"speedtest_timeout_s"`
	SpeedTestRateLimitMB float64 `yaml:"speedtest_rate_limit_mb"`
	MinSpeed             float64 `yaml:"min_speed"` // MB/s，0 表示不限
	TopN                 int     `yaml:"top_n"`     // 测速阶段收集的目标数量

	Proxy ProxyConfig `yaml:"proxy"`
}

// LoadConfig 从指定路径加载和解析 YAML 配置文件
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 为缺失或非法的字段填入默认值，
// 避免 0 并发度这类配置造成死锁
func (c *Config) applyDefaults() {
	if c.IPVersion == "" {
		c.IPVersion = "ipv4"
	}
	if c.MatchMode == "" {
		c.MatchMode = "overlap"
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = 64
	}
	if c.ProbeTimeoutMS <= 0 {
		c.ProbeTimeoutMS = 1500
	}
	if c.SamplesPerRange <= 0 {
		c.SamplesPerRange = 4
	}
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = 443
	}
	if c.Hostname == "" {
		c.Hostname = "www.cloudflare.com"
	}
	if c.VerifyMode == "" {
		c.VerifyMode = "trace"
	}
	if c.VerifyURL == "" {
		c.VerifyURL = "https://www.cloudflare.com/cdn-cgi/trace"
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = 300
	}
	if c.MinSuccessRate <= 0 {
		c.MinSuccessRate = 0.75
	}
	if c.SpeedTestConcurrency <= 0 {
		c.SpeedTestConcurrency = 4
	}
	if c.SpeedTestURL == "" {
		c.SpeedTestURL = "https://speed.cloudflare.com/__down?bytes=200000000"
	}
	if c.SpeedTestTimeoutS <= 0 {
		c.SpeedTestTimeoutS = 10
	}
	if c.TopN <= 0 {
		c.TopN = 10
	}
	if c.Proxy.Kind == "" {
		c.Proxy.Kind = "socks"
	}
	if c.Proxy.ValidateURL == "" {
		c.Proxy.ValidateURL = "https://www.cloudflare.com/cdn-cgi/trace"
	}
	if c.Proxy.TimeoutMS <= 0 {
		c.Proxy.TimeoutMS = 8000
	}
	if c.Proxy.TopN <= 0 {
		c.Proxy.TopN = 5
	}
	if c.Proxy.StartWaitMS <= 0 {
		c.Proxy.StartWaitMS = 5000
	}
	if c.Proxy.PollDelayMS <= 0 {
		c.Proxy.PollDelayMS = 100
	}
}

// validate 检查无法用默认值修正的配置错误，这类错误在探测开始前直接失败
func (c *Config) validate() error {
	switch c.IPVersion {
	case "ipv4", "ipv6":
	default:
		return fmt.Errorf("无效的 ip_version 配置: %s", c.IPVersion)
	}
	switch c.MatchMode {
	case "overlap", "contain":
	default:
		return fmt.Errorf("无效的 match_mode 配置: %s", c.MatchMode)
	}
	switch c.VerifyMode {
	case "trace", "generic", "off":
	default:
		return fmt.Errorf("无效的 verify_mode 配置: %s", c.VerifyMode)
	}
	switch c.Proxy.Kind {
	case "socks", "http":
	default:
		return fmt.Errorf("无效的 proxy.kind 配置: %s", c.Proxy.Kind)
	}
	if c.Proxy.Enabled && c.Proxy.Binary == "" {
		return fmt.Errorf("启用代理验证时必须配置 proxy.binary")
	}
	return nil
}
