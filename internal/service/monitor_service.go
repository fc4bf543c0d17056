package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dushixiang/sentinel/internal/config"
	"github.com/dushixiang/sentinel/internal/monitor"
	"github.com/dushixiang/sentinel/internal/registry"
	"github.com/dushixiang/sentinel/internal/supervisor"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// MonitorStatus 监控状态及其进程资源占用
type MonitorStatus struct {
	registry.Status
	Enabled bool                  `json:"enabled"`
	Process *supervisor.ProcStats `json:"process,omitempty"`
}

type statsProvider interface {
	Stats(ctx context.Context) (supervisor.ProcStats, bool)
}

// MonitorService 管理单例监控的启停，可选地在监控意外退出后按退避策略重新启动
type MonitorService struct {
	logger   *zap.Logger
	cfg      *config.Config
	registry *registry.Registry
	monitors map[registry.Kind]monitor.Monitor

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	backoffs map[registry.Kind]*backoff.Backoff
	started  map[registry.Kind]time.Time
	timers   map[registry.Kind]*time.Timer
}

// NewMonitors 创建所有单例监控
func NewMonitors(deps monitor.Deps) []monitor.Monitor {
	return []monitor.Monitor{
		monitor.NewPacketCapture(deps),
		monitor.NewIntrusionDetection(deps),
		monitor.NewThreatFeed(deps),
	}
}

func NewMonitorService(logger *zap.Logger, cfg *config.Config, reg *registry.Registry, monitors []monitor.Monitor) *MonitorService {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MonitorService{
		logger:   logger,
		cfg:      cfg,
		registry: reg,
		monitors: make(map[registry.Kind]monitor.Monitor, len(monitors)),
		ctx:      ctx,
		cancel:   cancel,
		backoffs: make(map[registry.Kind]*backoff.Backoff),
		started:  make(map[registry.Kind]time.Time),
		timers:   make(map[registry.Kind]*time.Timer),
	}
	for _, m := range monitors {
		s.monitors[m.Kind()] = m
	}
	if cfg.Monitors.Restart.Enabled {
		reg.OnExit(s.onExit)
	}
	return s
}

// Enabled 监控是否在配置中启用
func (s *MonitorService) Enabled(kind registry.Kind) bool {
	switch kind {
	case registry.KindPacketCapture:
		return s.cfg.Monitors.PacketCapture.Enabled
	case registry.KindIntrusionDetection:
		return s.cfg.Monitors.IntrusionDetection.Enabled
	case registry.KindThreatFeed:
		return s.cfg.Monitors.ThreatFeed.Enabled
	}
	return false
}

// EnsureEnabled 确保所有启用的监控都在运行，已在运行的不会重复启动
func (s *MonitorService) EnsureEnabled() {
	for _, kind := range registry.Kinds() {
		if !s.Enabled(kind) {
			continue
		}
		err := s.Start(kind)
		var already *registry.AlreadyRunningError
		if err != nil && !errors.As(err, &already) {
			s.logger.Warn("failed to start monitor", zap.String("kind", string(kind)), zap.Error(err))
		}
	}
}

// Start 启动监控
func (s *MonitorService) Start(kind registry.Kind) error {
	m, ok := s.monitors[kind]
	if !ok {
		return fmt.Errorf("monitor %s is not available", kind)
	}
	if err := s.registry.TryStart(kind, m.Start); err != nil {
		return err
	}
	s.mu.Lock()
	s.started[kind] = time.Now()
	s.mu.Unlock()
	return nil
}

// Stop 停止监控并等待退出
func (s *MonitorService) Stop(ctx context.Context, kind registry.Kind) error {
	s.mu.Lock()
	if t, ok := s.timers[kind]; ok {
		t.Stop()
		delete(s.timers, kind)
	}
	s.mu.Unlock()

	done, err := s.registry.Stop(kind)
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running 监控是否在运行
func (s *MonitorService) Running(kind registry.Kind) bool {
	return s.registry.Running(kind)
}

// Status 所有监控的状态
func (s *MonitorService) Status(ctx context.Context) []MonitorStatus {
	var items []MonitorStatus
	for _, st := range s.registry.Status() {
		item := MonitorStatus{Status: st, Enabled: s.Enabled(st.Kind)}
		if p, ok := s.monitors[st.Kind].(statsProvider); ok {
			if stats, ok := p.Stats(ctx); ok {
				item.Process = &stats
			}
		}
		items = append(items, item)
	}
	return items
}

// Shutdown 取消待执行的重启并停止所有监控
func (s *MonitorService) Shutdown(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	for kind, t := range s.timers {
		t.Stop()
		delete(s.timers, kind)
	}
	s.mu.Unlock()
	return s.registry.StopAll(ctx)
}

func (s *MonitorService) backoffFor(kind registry.Kind) *backoff.Backoff {
	b, ok := s.backoffs[kind]
	if !ok {
		lo, hi := s.cfg.GetRestartDelay()
		b = &backoff.Backoff{
			Min:    lo,
			Max:    hi,
			Factor: 2,
			Jitter: true,
		}
		s.backoffs[kind] = b
	}
	return b
}

// onExit 监控意外退出后安排重启
func (s *MonitorService) onExit(kind registry.Kind, stopped bool) {
	if stopped || s.ctx.Err() != nil || !s.Enabled(kind) {
		return
	}

	s.mu.Lock()
	b := s.backoffFor(kind)
	// 运行时间足够长视为恢复正常
	if started, ok := s.started[kind]; ok && time.Since(started) > b.Max {
		b.Reset()
	}
	delay := b.Duration()
	s.timers[kind] = time.AfterFunc(delay, func() {
		s.restart(kind)
	})
	s.mu.Unlock()

	s.logger.Warn("monitor exited unexpectedly, scheduling restart",
		zap.String("kind", string(kind)),
		zap.Duration("delay", delay),
	)
}

func (s *MonitorService) restart(kind registry.Kind) {
	s.mu.Lock()
	delete(s.timers, kind)
	s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}

	err := s.Start(kind)
	var already *registry.AlreadyRunningError
	switch {
	case err == nil:
		s.logger.Info("monitor restarted", zap.String("kind", string(kind)))
	case errors.As(err, &already):
	default:
		// 启动失败不会触发退出回调，需要自行安排下一次
		s.logger.Warn("monitor restart failed", zap.String("kind", string(kind)), zap.Error(err))
		s.onExit(kind, false)
	}
}
