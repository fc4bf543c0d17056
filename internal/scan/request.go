package scan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dushixiang/sentinel/internal/event"
	"github.com/go-playground/validator/v10"
)

// Operation 会话扫描操作
type Operation string

const (
	OpPing       Operation = "ping"
	OpTraceroute Operation = "traceroute"
	OpPortscan   Operation = "portscan"
	OpPentest    Operation = "pentest"
)

// Channel 操作对应的输出主题
func (o Operation) Channel() event.Channel {
	switch o {
	case OpPing:
		return event.ChannelPingResult
	case OpTraceroute:
		return event.ChannelTracerouteResult
	case OpPentest:
		return event.ChannelPentestOutput
	default:
		return event.ChannelPortscanResult
	}
}

// Title 用于生命周期消息
func (o Operation) Title() string {
	switch o {
	case OpPing:
		return "Ping"
	case OpTraceroute:
		return "Traceroute"
	case OpPentest:
		return "Pentest scan"
	default:
		return "Port scan"
	}
}

// Request 扫描请求
type Request struct {
	Operation Operation `json:"operation" validate:"required,oneof=ping traceroute portscan pentest"`
	Target    string    `json:"target" validate:"required,hostname_rfc1123|ip"`
	// 为空使用 fast
	Speed string `json:"speed"`
	// 渗透测试类型，仅用于展示
	ScanType string `json:"scan_type"`
}

const DefaultSpeed = "fast"

// ValidationError 请求参数不合法，未启动任何进程
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrTaskNotFound 任务不存在或已结束
var ErrTaskNotFound = errors.New("task not found")

func normalize(req Request) Request {
	req.Target = strings.TrimSpace(req.Target)
	req.Speed = strings.ToLower(strings.TrimSpace(req.Speed))
	if req.Speed == "" {
		req.Speed = DefaultSpeed
	}
	if req.Operation == OpPentest && req.ScanType == "" {
		req.ScanType = "network"
	}
	return req
}

func validate(v *validator.Validate, req Request, speeds map[string]bool) error {
	if err := v.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Field: strings.ToLower(fe.Field()), Reason: fe.Tag()}
		}
		return &ValidationError{Field: "request", Reason: err.Error()}
	}
	if req.Operation == OpPortscan && !speeds[req.Speed] {
		return &ValidationError{Field: "speed", Reason: "unknown speed " + req.Speed}
	}
	return nil
}
