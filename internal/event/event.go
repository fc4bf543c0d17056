package event

import (
	"time"
)

// Level 事件级别
type Level string

const (
	LevelInfo     Level = "info"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"

	// 扫描输出使用的状态级别
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Rank 返回级别的排序值，info < medium < high < critical
func (l Level) Rank() int {
	switch l {
	case LevelCritical:
		return 3
	case LevelHigh, LevelError:
		return 2
	case LevelMedium, LevelWarning:
		return 1
	default:
		return 0
	}
}

// Valid 是否为已知级别
func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelMedium, LevelHigh, LevelCritical, LevelSuccess, LevelWarning, LevelError:
		return true
	}
	return false
}

// AtLeast 级别是否不低于 other
func (l Level) AtLeast(other Level) bool {
	return l.Rank() >= other.Rank()
}

// Channel 仪表盘订阅的主题
type Channel string

const (
	ChannelRealtimeThreat   Channel = "realtime_threat"
	ChannelIDSAlert         Channel = "ids_alert"
	ChannelPingResult       Channel = "ping_result"
	ChannelTracerouteResult Channel = "traceroute_result"
	ChannelPortscanResult   Channel = "portscan_result"
	ChannelPentestOutput    Channel = "pentest_output"
	ChannelPentestStarted   Channel = "pentest_started"
)

// 常用分类
const (
	CategoryNetwork    = "network"
	CategoryScan       = "scan"
	CategoryBruteforce = "bruteforce"
	CategoryMalware    = "malware"
	CategoryAnomaly    = "anomaly"
	CategoryExploit    = "exploit"
	CategoryDoS        = "dos"
	CategorySystem     = "system"
	CategoryError      = "error"
	CategoryValidation = "validation"
	CategoryThreat     = "threat"
)

// Stats 威胁推送附带的统计信息
type Stats struct {
	Threats int `json:"threats"`
	Rate    int `json:"rate"`
	Safety  int `json:"safety"`
}

// Event 不可变的结构化事件
type Event struct {
	Channel  Channel
	Level    Level
	Category string
	Message  string
	Time     time.Time
	// 为空表示广播
	Session string
	Stats   *Stats
	// 渗透测试开始事件附带的目标信息
	Target   string
	ScanType string
}

// New 创建广播事件
func New(channel Channel, level Level, category, message string) Event {
	return Event{
		Channel:  channel,
		Level:    level,
		Category: category,
		Message:  message,
		Time:     time.Now(),
	}
}

// To 返回定向到指定会话的副本
func (e Event) To(session string) Event {
	e.Session = session
	return e
}

// WithStats 返回附带统计信息的副本
func (e Event) WithStats(stats Stats) Event {
	e.Stats = &stats
	return e
}

// WithTarget 返回附带目标信息的副本
func (e Event) WithTarget(target, scanType string) Event {
	e.Target = target
	e.ScanType = scanType
	return e
}

// Broadcast 是否为广播事件
func (e Event) Broadcast() bool {
	return e.Session == ""
}

// Payload 事件的线上格式
type Payload struct {
	Message   string `json:"message"`
	Level     Level  `json:"level"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Stats     *Stats `json:"stats,omitempty"`
	Target    string `json:"target,omitempty"`
	ScanType  string `json:"scan_type,omitempty"`
}

// TimestampLayout 本地时间 HH:MM:SS
const TimestampLayout = "15:04:05"

// Payload 转换为线上格式
func (e Event) Payload() Payload {
	return Payload{
		Message:   e.Message,
		Level:     e.Level,
		Type:      e.Category,
		Timestamp: e.Time.Local().Format(TimestampLayout),
		Stats:     e.Stats,
		Target:    e.Target,
		ScanType:  e.ScanType,
	}
}
