package protocol

import "encoding/json"

// Message 仪表盘发来的 WebSocket 消息
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// OutboundMessage 发往仪表盘的消息，事件的 Type 为事件主题
type OutboundMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type MessageType string

// 仪表盘指令
const (
	MessageTypeStartScan    MessageType = "start_scan"
	MessageTypeStopScan     MessageType = "stop_scan"
	MessageTypeStopAll      MessageType = "stop_all"
	MessageTypeStartIDS     MessageType = "start_ids"
	MessageTypeStopIDS      MessageType = "stop_ids"
	MessageTypeToggleIDS    MessageType = "toggle_ids"
	MessageTypeStartPentest MessageType = "start_pentest"
	MessageTypeStopPentest  MessageType = "stop_pentest"
	MessageTypeListTasks    MessageType = "list_tasks"
)

// 服务端回复
const (
	MessageTypeSession     = "session"
	MessageTypeTaskStarted = "task_started"
	MessageTypeTaskList    = "task_list"
	MessageTypeError       = "error"
)

// StartScanRequest 启动扫描
type StartScanRequest struct {
	Operation string `json:"operation"`
	Target    string `json:"target"`
	Speed     string `json:"speed"`
}

// StopScanRequest 停止扫描
type StopScanRequest struct {
	TaskID string `json:"taskId"`
}

// StartPentestRequest 启动渗透测试
type StartPentestRequest struct {
	Target   string `json:"target"`
	ScanType string `json:"scan_type"`
}

// SessionInfo 连接建立后下发的会话信息
type SessionInfo struct {
	SessionID string `json:"sessionId"`
}

// TaskStarted 任务已启动
type TaskStarted struct {
	TaskID    string `json:"taskId"`
	Operation string `json:"operation"`
	Target    string `json:"target"`
}

// ErrorMessage 指令处理失败
type ErrorMessage struct {
	Request string `json:"request"`
	Message string `json:"message"`
}
