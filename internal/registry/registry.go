package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dushixiang/sentinel/internal/metrics"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// Kind 单例监控类型
type Kind string

const (
	KindPacketCapture      Kind = "packet-capture"
	KindIntrusionDetection Kind = "intrusion-detection"
	KindThreatFeed         Kind = "threat-feed"
)

// Kinds 所有监控类型
func Kinds() []Kind {
	return []Kind{KindPacketCapture, KindIntrusionDetection, KindThreatFeed}
}

// ParseKind 解析监控类型
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown monitor kind %q", s)
}

// AlreadyRunningError 同类监控已在运行，未启动新的实例
type AlreadyRunningError struct {
	Kind Kind
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("monitor %s is already running", e.Kind)
}

// ErrNotRunning 监控未运行
var ErrNotRunning = errors.New("monitor is not running")

// Factory 启动监控，返回的通道在监控退出时关闭
// ctx 被取消时监控应当退出
type Factory func(ctx context.Context) (<-chan struct{}, error)

// State 监控状态
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
)

// Status 监控状态快照
type Status struct {
	Kind     Kind      `json:"kind"`
	State    State     `json:"state"`
	Since    time.Time `json:"since,omitempty"`
	Stopping bool      `json:"stopping,omitempty"`
}

type entry struct {
	state    State
	since    time.Time
	cancel   context.CancelFunc
	done     <-chan struct{}
	stopping bool
}

// Registry 保证每种监控在进程内至多一个实例
type Registry struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[Kind]*entry
	onExit  []ExitHook
}

// ExitHook 监控退出回调，stopped 表示退出由 Stop 触发
type ExitHook func(kind Kind, stopped bool)

func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		logger:  logger,
		metrics: m,
		entries: make(map[Kind]*entry),
	}
}

// OnExit 注册监控退出回调，回调在锁外执行
func (r *Registry) OnExit(fn ExitHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExit = append(r.onExit, fn)
}

// TryStart 原子地检查并占用槽位，只有一个调用者会执行 factory
// 返回 nil 表示已启动；*AlreadyRunningError 表示已有实例；其他错误来自 factory，槽位已释放
func (r *Registry) TryStart(kind Kind, factory Factory) error {
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{state: StateStarting, since: time.Now(), cancel: cancel}

	r.mu.Lock()
	if _, ok := r.entries[kind]; ok {
		r.mu.Unlock()
		cancel()
		return &AlreadyRunningError{Kind: kind}
	}
	r.entries[kind] = e
	r.mu.Unlock()

	done, err := r.invoke(ctx, kind, factory)
	if err != nil {
		cancel()
		r.mu.Lock()
		if r.entries[kind] == e {
			delete(r.entries, kind)
		}
		r.mu.Unlock()
		r.logger.Warn("monitor failed to start", zap.String("kind", string(kind)), zap.Error(err))
		return err
	}

	r.mu.Lock()
	e.state = StateRunning
	e.done = done
	r.mu.Unlock()

	r.metrics.SetMonitorRunning(string(kind), true)
	r.logger.Info("monitor started", zap.String("kind", string(kind)))

	go r.watch(kind, e)
	return nil
}

// invoke 执行 factory，panic 或未返回退出通道都视为启动失败
func (r *Registry) invoke(ctx context.Context, kind Kind, factory Factory) (done <-chan struct{}, err error) {
	var pc panics.Catcher
	pc.Try(func() {
		done, err = factory(ctx)
	})
	if rec := pc.Recovered(); rec != nil {
		return nil, fmt.Errorf("start monitor %s: %w", kind, rec.AsError())
	}
	if err == nil && done == nil {
		return nil, fmt.Errorf("start monitor %s: no exit channel", kind)
	}
	return done, err
}

func (r *Registry) watch(kind Kind, e *entry) {
	<-e.done
	e.cancel()

	r.mu.Lock()
	if r.entries[kind] == e {
		delete(r.entries, kind)
	}
	stopped := e.stopping
	hooks := append([]ExitHook{}, r.onExit...)
	r.mu.Unlock()

	r.metrics.SetMonitorRunning(string(kind), false)
	r.logger.Info("monitor exited", zap.String("kind", string(kind)))

	for _, fn := range hooks {
		fn(kind, stopped)
	}
}

// Running 是否正在运行（含启动中）
func (r *Registry) Running(kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[kind]
	return ok
}

// Stop 请求停止监控，返回其退出通道
func (r *Registry) Stop(kind Kind) (<-chan struct{}, error) {
	r.mu.Lock()
	e, ok := r.entries[kind]
	if !ok || e.state != StateRunning {
		r.mu.Unlock()
		return nil, ErrNotRunning
	}
	e.stopping = true
	done := e.done
	r.mu.Unlock()

	e.cancel()
	return done, nil
}

// StopAll 停止所有监控并等待退出，ctx 结束时提前返回
func (r *Registry) StopAll(ctx context.Context) error {
	var waits []<-chan struct{}
	for _, kind := range Kinds() {
		if done, err := r.Stop(kind); err == nil {
			waits = append(waits, done)
		}
	}
	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Status 所有监控的状态
func (r *Registry) Status() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	var items []Status
	for _, kind := range Kinds() {
		s := Status{Kind: kind, State: StateStopped}
		if e, ok := r.entries[kind]; ok {
			s.State = e.state
			s.Since = e.since
			s.Stopping = e.stopping
		}
		items = append(items, s)
	}
	return items
}
