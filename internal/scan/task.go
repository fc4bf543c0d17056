package scan

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dushixiang/sentinel/internal/event"
	"github.com/dushixiang/sentinel/internal/supervisor"
)

// State 任务状态
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Info 任务快照
type Info struct {
	ID         string     `json:"id"`
	Session    string     `json:"sessionId"`
	Operation  Operation  `json:"operation"`
	Target     string     `json:"target"`
	Speed      string     `json:"speed,omitempty"`
	State      State      `json:"state"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Task 会话发起的一次扫描
type Task struct {
	ID        string
	Session   string
	Request   Request
	StartedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	publisher Publisher

	mu         sync.Mutex
	proc       supervisor.Handle
	state      State
	finishedAt time.Time
}

// Cancelled 是否已被取消
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// stop 设置取消标记并停止底层进程，可重复调用
func (t *Task) stop() {
	if t.cancelled.Swap(true) {
		return
	}
	t.cancel()
	t.mu.Lock()
	p := t.proc
	t.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// attach 记录底层进程，任务已取消时立即停止
func (t *Task) attach(p supervisor.Handle) {
	t.mu.Lock()
	t.proc = p
	t.mu.Unlock()
	if t.Cancelled() {
		p.Stop()
	}
}

func (t *Task) finish(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.finishedAt = time.Now()
	t.proc = nil
}

// Info 返回任务快照
func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		ID:        t.ID,
		Session:   t.Session,
		Operation: t.Request.Operation,
		Target:    t.Request.Target,
		State:     t.state,
		StartedAt: t.StartedAt,
	}
	if t.Request.Operation == OpPortscan {
		info.Speed = t.Request.Speed
	}
	if !t.finishedAt.IsZero() {
		finished := t.finishedAt
		info.FinishedAt = &finished
	}
	return info
}

// emit 向发起任务的会话发送事件
func (t *Task) emit(level event.Level, category, msg string) {
	t.publisher.Publish(event.New(t.Request.Operation.Channel(), level, category, msg).To(t.Session))
}
