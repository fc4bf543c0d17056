package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dushixiang/sentinel/internal/classifier"
	"github.com/dushixiang/sentinel/internal/utils"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Config 服务配置
type Config struct {
	// 配置文件路径
	Path string `yaml:"-"`

	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Network    NetworkConfig    `yaml:"network"`
	Tools      ToolsConfig      `yaml:"tools"`
	Monitors   MonitorsConfig   `yaml:"monitors"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Scan       ScanConfig       `yaml:"scan"`
	Bus        BusConfig        `yaml:"bus"`
	NATS       NATSConfig       `yaml:"nats"`

	// 分类规则覆盖，键为模式（packet、alert、raw、scan）
	Classifier map[classifier.Mode][]classifier.Rule `yaml:"classifier,omitempty"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	// 监听地址
	Addr string `yaml:"addr"`
	// 关闭时等待的秒数
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	// debug、info、warn、error
	Level string `yaml:"level"`
	// 日志文件，为空时输出到控制台
	Filename   string `yaml:"filename"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// NetworkConfig 网络配置
type NetworkConfig struct {
	// 监听的网卡，为空时自动选择
	Interface string `yaml:"interface"`

	// 自动选择时包含的网卡（白名单，正则），配置后忽略 Exclude
	Include []string `yaml:"include"`

	// 自动选择时排除的网卡（黑名单，正则），为空使用默认规则
	Exclude []string `yaml:"exclude"`
}

// ToolsConfig 外部工具路径
type ToolsConfig struct {
	Tshark     string `yaml:"tshark"`
	Suricata   string `yaml:"suricata"`
	Ping       string `yaml:"ping"`
	Traceroute string `yaml:"traceroute"`
	// 为空时端口扫描使用内置扫描器
	Nmap string `yaml:"nmap"`
	// 使用 sudo 启动需要特权的工具
	UseSudo bool   `yaml:"use_sudo"`
	Sudo    string `yaml:"sudo"`

	SuricataConfig string `yaml:"suricata_config"`
	SuricataLogDir string `yaml:"suricata_log_dir"`
}

// MonitorsConfig 单例监控配置
type MonitorsConfig struct {
	PacketCapture      MonitorConfig    `yaml:"packet_capture"`
	IntrusionDetection IDSConfig        `yaml:"intrusion_detection"`
	ThreatFeed         ThreatFeedConfig `yaml:"threat_feed"`

	// 监控退出后是否自动重新启动
	Restart RestartConfig `yaml:"restart"`
}

// MonitorConfig 通用监控配置
type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`
}

// IDSConfig 入侵检测配置
type IDSConfig struct {
	Enabled bool `yaml:"enabled"`

	// 额外跟踪的告警日志文件（如 fast.log），为空不跟踪
	AlertLog string `yaml:"alert_log"`

	// suricata 无法启动时改为模拟告警
	SimulateOnFailure bool `yaml:"simulate_on_failure"`

	// 模拟告警间隔（秒）
	SimulateMinInterval int `yaml:"simulate_min_interval"`
	SimulateMaxInterval int `yaml:"simulate_max_interval"`
}

// ThreatFeedConfig 模拟威胁推送配置
type ThreatFeedConfig struct {
	Enabled bool `yaml:"enabled"`
	// 推送间隔（秒）
	MinInterval int `yaml:"min_interval"`
	MaxInterval int `yaml:"max_interval"`
}

// RestartConfig 重启策略
type RestartConfig struct {
	Enabled bool `yaml:"enabled"`
	// 退避区间（秒）
	MinDelay int `yaml:"min_delay"`
	MaxDelay int `yaml:"max_delay"`
}

// SupervisorConfig 进程监管配置
type SupervisorConfig struct {
	// SIGTERM 后等待的毫秒数，超时发送 SIGKILL
	GracePeriod int `yaml:"grace_period_ms"`
}

// SpeedConfig 扫描速度配置
type SpeedConfig struct {
	// 端口列表，如 "21,22,80" 或 "1-1000"
	Ports string `yaml:"ports"`
	// 单个端口连接超时（毫秒）
	Timeout int `yaml:"timeout_ms"`
	// nmap 参数
	NmapArgs []string `yaml:"nmap_args"`
}

// ScanConfig 会话扫描配置
type ScanConfig struct {
	Speeds map[string]SpeedConfig `yaml:"speeds"`
	// 内置扫描器的并发数
	Concurrency int `yaml:"concurrency"`
	// 保留的已结束任务数量
	HistorySize int `yaml:"history_size"`
	// 渗透测试命令，{{target}} 会被替换
	PentestCommand []string `yaml:"pentest_command"`
}

// BusConfig 事件总线配置
type BusConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// NATSConfig NATS 转发配置
type NATSConfig struct {
	// 为空不转发
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":5000",
			ShutdownTimeout: 10,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Tools: ToolsConfig{
			Tshark:         "tshark",
			Suricata:       "suricata",
			Ping:           "ping",
			Traceroute:     "traceroute",
			Sudo:           "sudo",
			UseSudo:        true,
			SuricataConfig: "/etc/suricata/suricata.yaml",
			SuricataLogDir: "/tmp/suricata_logs/",
		},
		Monitors: MonitorsConfig{
			PacketCapture: MonitorConfig{Enabled: true},
			IntrusionDetection: IDSConfig{
				Enabled:             true,
				SimulateOnFailure:   false,
				SimulateMinInterval: 3,
				SimulateMaxInterval: 8,
			},
			ThreatFeed: ThreatFeedConfig{
				Enabled:     true,
				MinInterval: 5,
				MaxInterval: 15,
			},
			Restart: RestartConfig{
				Enabled:  false,
				MinDelay: 5,
				MaxDelay: 300,
			},
		},
		Supervisor: SupervisorConfig{
			GracePeriod: 3000,
		},
		Scan: ScanConfig{
			Speeds:         DefaultSpeeds(),
			Concurrency:    64,
			HistorySize:    256,
			PentestCommand: []string{"nmap", "-sV", "--script", "vuln", "{{target}}"},
		},
		Bus: BusConfig{
			BufferSize: 256,
		},
		NATS: NATSConfig{
			Subject: "sentinel.events",
		},
	}
}

// DefaultSpeeds 默认扫描速度
func DefaultSpeeds() map[string]SpeedConfig {
	return map[string]SpeedConfig{
		"fast": {
			Ports:    "21,22,23,25,53,80,110,443,993,995",
			Timeout:  1000,
			NmapArgs: []string{"-F"},
		},
		"normal": {
			Ports:    "1-1000",
			Timeout:  500,
			NmapArgs: []string{"-sS"},
		},
		"deep": {
			Ports:    "1-65535",
			Timeout:  300,
			NmapArgs: []string{"-sS", "-O"},
		},
	}
}

// GetDefaultConfigPath 获取默认配置文件路径
func GetDefaultConfigPath() string {
	return filepath.Join(utils.GetSafeHomeDir(), ".sentinel", "sentinel.yaml")
}

// Load 加载配置文件，不存在时写入默认配置
func Load(fs afero.Fs, path string) (*Config, error) {
	if path == "" {
		path = GetDefaultConfigPath()
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			if err := cfg.Save(fs, path); err != nil {
				return nil, fmt.Errorf("创建默认配置文件失败: %w", err)
			}
			cfg.Path = path
			return cfg, nil
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	cfg.Path = path
	return cfg, nil
}

// Save 保存配置到文件
func (c *Config) Save(fs afero.Fs, path string) error {
	if path == "" {
		path = GetDefaultConfigPath()
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := afero.WriteFile(fs, path, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("监听地址不能为空")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("未知的日志级别: %s", c.Log.Level)
	}

	if c.Supervisor.GracePeriod <= 0 {
		return fmt.Errorf("进程终止宽限期必须大于 0")
	}

	feed := c.Monitors.ThreatFeed
	if feed.MinInterval <= 0 || feed.MaxInterval < feed.MinInterval {
		return fmt.Errorf("威胁推送间隔配置错误: %d-%d", feed.MinInterval, feed.MaxInterval)
	}

	ids := c.Monitors.IntrusionDetection
	if ids.SimulateMinInterval <= 0 || ids.SimulateMaxInterval < ids.SimulateMinInterval {
		return fmt.Errorf("模拟告警间隔配置错误: %d-%d", ids.SimulateMinInterval, ids.SimulateMaxInterval)
	}

	if c.Monitors.Restart.Enabled && (c.Monitors.Restart.MinDelay <= 0 || c.Monitors.Restart.MaxDelay < c.Monitors.Restart.MinDelay) {
		return fmt.Errorf("重启退避配置错误: %d-%d", c.Monitors.Restart.MinDelay, c.Monitors.Restart.MaxDelay)
	}

	for _, speed := range []string{"fast", "normal", "deep"} {
		sc, ok := c.Scan.Speeds[speed]
		if !ok {
			return fmt.Errorf("缺少扫描速度配置: %s", speed)
		}
		if _, err := ParsePorts(sc.Ports); err != nil {
			return fmt.Errorf("扫描速度 %s 端口配置错误: %w", speed, err)
		}
		if sc.Timeout <= 0 {
			return fmt.Errorf("扫描速度 %s 超时必须大于 0", speed)
		}
	}

	if c.Scan.Concurrency <= 0 {
		return fmt.Errorf("扫描并发数必须大于 0")
	}
	if c.Scan.HistorySize <= 0 {
		return fmt.Errorf("任务历史数量必须大于 0")
	}
	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("事件缓冲大小必须大于 0")
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return fmt.Errorf("NATS 主题不能为空")
	}

	if _, err := classifier.New(c.Classifier); err != nil {
		return fmt.Errorf("分类规则错误: %w", err)
	}

	if _, err := compilePatterns(c.Network.Include); err != nil {
		return err
	}
	if _, err := compilePatterns(c.Network.Exclude); err != nil {
		return err
	}
	return nil
}

// GetGracePeriod 获取进程终止宽限期
func (c *Config) GetGracePeriod() time.Duration {
	return time.Duration(c.Supervisor.GracePeriod) * time.Millisecond
}

// GetShutdownTimeout 获取关闭超时
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

// GetThreatFeedInterval 获取威胁推送间隔区间
func (c *Config) GetThreatFeedInterval() (time.Duration, time.Duration) {
	return time.Duration(c.Monitors.ThreatFeed.MinInterval) * time.Second,
		time.Duration(c.Monitors.ThreatFeed.MaxInterval) * time.Second
}

// GetSimulateInterval 获取模拟告警间隔区间
func (c *Config) GetSimulateInterval() (time.Duration, time.Duration) {
	return time.Duration(c.Monitors.IntrusionDetection.SimulateMinInterval) * time.Second,
		time.Duration(c.Monitors.IntrusionDetection.SimulateMaxInterval) * time.Second
}

// GetRestartDelay 获取重启退避区间
func (c *Config) GetRestartDelay() (time.Duration, time.Duration) {
	return time.Duration(c.Monitors.Restart.MinDelay) * time.Second,
		time.Duration(c.Monitors.Restart.MaxDelay) * time.Second
}

// ParsePorts 解析端口列表，支持逗号分隔与区间，保持声明顺序并去重
func ParsePorts(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("端口列表不能为空")
	}

	seen := make(map[int]bool)
	var ports []int
	add := func(p int) {
		if !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := parsePort(lo)
			if err != nil {
				return nil, err
			}
			end, err := parsePort(hi)
			if err != nil {
				return nil, err
			}
			if end < start {
				return nil, fmt.Errorf("端口区间错误: %s", part)
			}
			for p := start; p <= end; p++ {
				add(p)
			}
			continue
		}
		p, err := parsePort(part)
		if err != nil {
			return nil, err
		}
		add(p)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("端口列表不能为空")
	}
	return ports, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("端口格式错误: %s", s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("端口超出范围: %d", p)
	}
	return p, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	var regexps []*regexp.Regexp
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("编译网卡规则 '%s' 失败: %w", pattern, err)
		}
		regexps = append(regexps, re)
	}
	return regexps, nil
}
