package scan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/dushixiang/sentinel/internal/classifier"
	"github.com/dushixiang/sentinel/internal/config"
	"github.com/dushixiang/sentinel/internal/event"
	"github.com/dushixiang/sentinel/internal/metrics"
	"github.com/dushixiang/sentinel/internal/supervisor"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// Publisher 事件发布接口
type Publisher interface {
	Publish(ev event.Event)
}

// Resolver 主机名解析
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Manager 管理会话发起的扫描任务，每个任务独立运行、独立取消
type Manager struct {
	logger     *zap.Logger
	cfg        *config.Config
	publisher  Publisher
	classifier *classifier.Classifier
	launcher   supervisor.Launcher
	metrics    *metrics.Metrics
	validate   *validator.Validate

	Prober   Prober
	Resolver Resolver

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*Task
	history *lru.Cache[string, Info]
}

func NewManager(logger *zap.Logger, cfg *config.Config, publisher Publisher, cls *classifier.Classifier,
	launcher supervisor.Launcher, m *metrics.Metrics) (*Manager, error) {

	size := cfg.Scan.HistorySize
	if size <= 0 {
		size = 1
	}
	history, err := lru.New[string, Info](size)
	if err != nil {
		return nil, fmt.Errorf("create task history: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:     logger,
		cfg:        cfg,
		publisher:  publisher,
		classifier: cls,
		launcher:   launcher,
		metrics:    m,
		validate:   validator.New(),
		Prober:     &DialProber{},
		Resolver:   net.DefaultResolver,
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[string]*Task),
		history:    history,
	}, nil
}

func (m *Manager) speeds() map[string]bool {
	speeds := make(map[string]bool, len(m.cfg.Scan.Speeds))
	for name := range m.cfg.Scan.Speeds {
		speeds[name] = true
	}
	return speeds
}

// Start 校验请求并启动任务，返回任务 ID
// 请求不合法时只向该会话发送一条错误事件，不启动任何进程
func (m *Manager) Start(session string, req Request) (string, error) {
	req = normalize(req)
	if err := validate(m.validate, req, m.speeds()); err != nil {
		m.logger.Debug("reject scan request", zap.String("session", session), zap.Error(err))
		m.publisher.Publish(event.New(req.Operation.Channel(), event.LevelError, event.CategoryValidation,
			"Error: Please enter a valid target").To(session))
		return "", err
	}

	ctx, cancel := context.WithCancel(m.ctx)
	t := &Task{
		ID:        uuid.NewString(),
		Session:   session,
		Request:   req,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		publisher: m.publisher,
		state:     StateRunning,
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		cancel()
		return "", errors.New("scan manager is closed")
	}
	m.tasks[t.ID] = t
	m.metrics.ActiveTasks.Inc()
	m.wg.Go(func() {
		m.run(t)
	})
	m.mu.Unlock()

	m.logger.Info("scan task started",
		zap.String("task", t.ID),
		zap.String("session", session),
		zap.String("operation", string(req.Operation)),
		zap.String("target", req.Target),
	)
	return t.ID, nil
}

// Cancel 取消任务，已经读取的输出仍会被发送
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	t.stop()
	return nil
}

// CancelAll 取消会话的全部任务，返回被取消的数量
// 会话没有任务时什么也不做
func (m *Manager) CancelAll(session string) int {
	return m.cancelWhere(func(t *Task) bool {
		return t.Session == session
	})
}

// CancelOperation 取消会话中指定类型的任务
func (m *Manager) CancelOperation(session string, op Operation) int {
	return m.cancelWhere(func(t *Task) bool {
		return t.Session == session && t.Request.Operation == op
	})
}

func (m *Manager) cancelWhere(match func(t *Task) bool) int {
	m.mu.Lock()
	var targets []*Task
	for _, t := range m.tasks {
		if match(t) && !t.Cancelled() {
			targets = append(targets, t)
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		t.stop()
	}
	return len(targets)
}

// Get 查询任务，包括最近结束的任务
func (m *Manager) Get(taskID string) (Info, bool) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if ok {
		return t.Info(), true
	}
	return m.history.Peek(taskID)
}

// List 会话的运行中与最近结束的任务，按开始时间排序
func (m *Manager) List(session string) []Info {
	var items []Info
	m.mu.Lock()
	for _, t := range m.tasks {
		if t.Session == session {
			items = append(items, t.Info())
		}
	}
	m.mu.Unlock()

	for _, id := range m.history.Keys() {
		info, ok := m.history.Peek(id)
		if ok && info.Session == session {
			items = append(items, info)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].StartedAt.Before(items[j].StartedAt)
	})
	return items
}

// Active 运行中的任务数量
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Close 取消所有任务并等待退出
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	targets := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		targets = append(targets, t)
	}
	m.mu.Unlock()

	for _, t := range targets {
		t.stop()
	}
	m.wg.Wait()
}

func (m *Manager) run(t *Task) {
	state := StateFailed
	var pc panics.Catcher
	pc.Try(func() {
		state = m.execute(t)
	})
	if r := pc.Recovered(); r != nil {
		m.logger.Error("scan task panicked", zap.String("task", t.ID), zap.String("panic", r.String()))
		t.emit(event.LevelError, event.CategoryError, fmt.Sprintf("❌ %s error: %v", t.Request.Operation.Title(), r.Value))
		state = StateFailed
	}

	t.finish(state)
	t.cancel()

	m.history.Add(t.ID, t.Info())
	m.mu.Lock()
	delete(m.tasks, t.ID)
	m.mu.Unlock()

	m.metrics.ActiveTasks.Dec()
	m.metrics.TasksFinished.WithLabelValues(string(t.Request.Operation), string(state)).Inc()
	m.logger.Info("scan task finished", zap.String("task", t.ID), zap.String("state", string(state)))
}

func (m *Manager) execute(t *Task) State {
	var err error
	switch t.Request.Operation {
	case OpPing:
		err = m.ping(t)
	case OpTraceroute:
		err = m.traceroute(t)
	case OpPortscan:
		err = m.portscan(t)
	case OpPentest:
		err = m.pentest(t)
	}

	if t.Cancelled() {
		t.emit(event.LevelInfo, event.CategorySystem, fmt.Sprintf("%s stopped by user", t.Request.Operation.Title()))
		return StateCancelled
	}
	if err != nil {
		m.logger.Warn("scan task failed", zap.String("task", t.ID), zap.Error(err))
		return StateFailed
	}
	return StateCompleted
}
