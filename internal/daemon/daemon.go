package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dushixiang/sentinel/internal"
	"github.com/dushixiang/sentinel/internal/config"
	"github.com/dushixiang/sentinel/internal/logger"
	"github.com/kardianos/service"
	"go.uber.org/zap"
)

const serviceName = "sentinel"

// program 实现 service.Interface
type program struct {
	cfg    *config.Config
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s service.Service) error {
	app, err := internal.NewApp(p.logger, p.cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	// Start 不能阻塞
	go func() {
		defer close(done)
		if err := app.Run(ctx); err != nil {
			p.logger.Error("sentinel exited with error", zap.Error(err))
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	// 留出组件关闭的时间
	timeout := p.cfg.GetShutdownTimeout() + time.Second
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("shutdown timed out", zap.Duration("timeout", timeout))
	}
	_ = p.logger.Sync()
	return nil
}

// ServiceManager 系统服务管理
type ServiceManager struct {
	svc     service.Service
	program *program
}

// NewServiceManager 创建服务管理器，服务启动时使用同一配置文件
func NewServiceManager(cfg *config.Config) (*ServiceManager, error) {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	prg := &program{cfg: cfg, logger: log}

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: "Sentinel Security Event Engine",
		Description: "Streams and classifies security events from packet capture, IDS and active scans.",
		Arguments:   []string{"run", "--config", cfg.Path},
	}
	svc, err := service.New(prg, svcConfig)
	if err != nil {
		return nil, fmt.Errorf("创建服务失败: %w", err)
	}
	return &ServiceManager{svc: svc, program: prg}, nil
}

// Run 前台运行，收到中断信号后退出
func (m *ServiceManager) Run() error {
	return m.svc.Run()
}

// Install 安装为系统服务
func (m *ServiceManager) Install() error {
	return m.svc.Install()
}

// Uninstall 卸载系统服务，会先尝试停止
func (m *ServiceManager) Uninstall() error {
	_ = m.svc.Stop()
	return m.svc.Uninstall()
}

func (m *ServiceManager) Start() error {
	return m.svc.Start()
}

func (m *ServiceManager) Stop() error {
	return m.svc.Stop()
}

func (m *ServiceManager) Restart() error {
	return m.svc.Restart()
}

// Status 服务状态描述
func (m *ServiceManager) Status() (string, error) {
	status, err := m.svc.Status()
	if err != nil {
		return StatusText(service.StatusUnknown), err
	}
	return StatusText(status), nil
}

// StatusText 状态的可读描述
func StatusText(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
