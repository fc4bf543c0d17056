package classifier

import (
	"github.com/dushixiang/sentinel/internal/event"
)

// Mode 分类模式，对应不同的输出来源
type Mode string

const (
	// ModePacket 抓包输出（tshark 字段模式）
	ModePacket Mode = "packet"
	// ModeAlert 入侵检测日志/告警
	ModeAlert Mode = "alert"
	// ModeRaw 逐行透传（ping、traceroute）
	ModeRaw Mode = "raw"
	// ModeScan 扫描器输出（nmap、渗透测试）
	ModeScan Mode = "scan"
)

// Modes 所有已知模式
func Modes() []Mode {
	return []Mode{ModePacket, ModeAlert, ModeRaw, ModeScan}
}

// Fallback 未命中任何规则时的处理方式
type Fallback string

const (
	FallbackDrop    Fallback = "drop"
	FallbackInfo    Fallback = "info"
	FallbackKeyword Fallback = "keyword"
)

// Rule 分类规则，按声明顺序匹配，先命中者生效
type Rule struct {
	Name     string      `yaml:"name" json:"name"`
	Pattern  string      `yaml:"pattern" json:"pattern"`
	Level    event.Level `yaml:"level" json:"level"`
	Category string      `yaml:"category" json:"category"`
	// 消息模板，支持 {{line}} {{name}} {{NAME}}
	Message string `yaml:"message" json:"message"`
	// 命中后丢弃该行
	Drop bool `yaml:"drop" json:"drop"`
}

const (
	packetMessage = "Network traffic detected: {{line}}"
	alertMessage  = "🚨 {{NAME}} detected: {{line}}"
)

// DefaultRules 返回指定模式的默认规则表
func DefaultRules(mode Mode) []Rule {
	switch mode {
	case ModePacket:
		return []Rule{
			{Name: "cleartext", Pattern: `telnet|ftp|rpc|\btcp\b.*(\b(21|23|135)\s*(→|->)|(→|->)\s*(21|23|135)\b)`, Level: event.LevelCritical, Category: event.CategoryNetwork, Message: packetMessage},
			{Name: "file sharing", Pattern: `smb|netbios|\btcp\b.*(\b(139|445)\s*(→|->)|(→|->)\s*(139|445)\b)`, Level: event.LevelHigh, Category: event.CategoryNetwork, Message: packetMessage},
			{Name: "common", Pattern: `icmp|bootp|arp|dns|http`, Level: event.LevelInfo, Category: event.CategoryNetwork, Message: packetMessage},
		}
	case ModeAlert:
		// malware 必须排在 suspicious 之前
		return []Rule{
			{Name: "port scan", Pattern: `port.*scan`, Level: event.LevelHigh, Category: event.CategoryScan, Message: alertMessage},
			{Name: "brute force", Pattern: `brute.*force|failed.*login`, Level: event.LevelCritical, Category: event.CategoryBruteforce, Message: alertMessage},
			{Name: "malware", Pattern: `malware|trojan|virus`, Level: event.LevelCritical, Category: event.CategoryMalware, Message: alertMessage},
			{Name: "suspicious", Pattern: `suspicious|anomal`, Level: event.LevelMedium, Category: event.CategoryAnomaly, Message: alertMessage},
			{Name: "exploit", Pattern: `exploit|attack`, Level: event.LevelCritical, Category: event.CategoryExploit, Message: alertMessage},
			{Name: "dos", Pattern: `\bdos\b|ddos|flood`, Level: event.LevelHigh, Category: event.CategoryDoS, Message: alertMessage},
		}
	case ModeScan:
		return []Rule{
			{Name: "banner", Pattern: `^(starting|nmap)`, Drop: true},
			{Name: "vulnerable", Pattern: `vulnerable|cve-\d{4}-\d+`, Level: event.LevelCritical, Category: event.CategoryExploit, Message: "{{line}}"},
			{Name: "open port", Pattern: `^\d+/(tcp|udp)\s+open\b`, Level: event.LevelSuccess, Category: event.CategoryScan, Message: "{{line}}"},
		}
	default:
		return nil
	}
}

// DefaultFallback 返回指定模式的兜底策略
func DefaultFallback(mode Mode) Fallback {
	switch mode {
	case ModePacket:
		return FallbackDrop
	case ModeAlert:
		return FallbackKeyword
	default:
		return FallbackInfo
	}
}

// 关键字兜底：只保留包含以下关键字的行
var keywordTriggers = []string{"notice", "warning", "error", "alert"}

var keywordLevels = []struct {
	keywords []string
	level    event.Level
}{
	{[]string{"critical", "error", "fail", "attack"}, event.LevelCritical},
	{[]string{"warning", "warn", "suspicious"}, event.LevelHigh},
	{[]string{"notice", "info"}, event.LevelInfo},
}
