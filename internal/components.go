package internal

import (
	"github.com/dushixiang/sentinel/internal/bus"
	"github.com/dushixiang/sentinel/internal/classifier"
	"github.com/dushixiang/sentinel/internal/config"
	"github.com/dushixiang/sentinel/internal/handler"
	"github.com/dushixiang/sentinel/internal/metrics"
	"github.com/dushixiang/sentinel/internal/monitor"
	"github.com/dushixiang/sentinel/internal/scan"
	"github.com/dushixiang/sentinel/internal/service"
	"github.com/dushixiang/sentinel/internal/supervisor"
	"github.com/dushixiang/sentinel/internal/websocket"
	"go.uber.org/zap"
)

// AppComponents 应用组件
type AppComponents struct {
	DashboardHandler *handler.DashboardHandler
	MonitorHandler   *handler.MonitorHandler
	TaskHandler      *handler.TaskHandler
	TestHandler      *handler.TestHandler

	MonitorService *service.MonitorService
	SessionService *service.SessionService
	ScanManager    *scan.Manager

	Bus       *bus.Bus
	Metrics   *metrics.Metrics
	WSManager *websocket.Manager
}

func provideBus(logger *zap.Logger, m *metrics.Metrics, cfg *config.Config) *bus.Bus {
	return bus.NewBus(logger, m, cfg.Bus.BufferSize)
}

func provideClassifier(cfg *config.Config) (*classifier.Classifier, error) {
	return classifier.New(cfg.Classifier)
}

func provideLauncher(logger *zap.Logger, cfg *config.Config) supervisor.Launcher {
	return supervisor.NewProcessLauncher(supervisor.Options{
		GracePeriod: cfg.GetGracePeriod(),
		Logger:      logger,
	})
}

func provideMonitorDeps(logger *zap.Logger, cfg *config.Config, b *bus.Bus, cls *classifier.Classifier,
	launcher supervisor.Launcher, m *metrics.Metrics) monitor.Deps {
	return monitor.Deps{
		Logger:     logger,
		Config:     cfg,
		Publisher:  b,
		Classifier: cls,
		Launcher:   launcher,
		Metrics:    m,
	}
}

func provideScanManager(logger *zap.Logger, cfg *config.Config, b *bus.Bus, cls *classifier.Classifier,
	launcher supervisor.Launcher, m *metrics.Metrics) (*scan.Manager, error) {
	return scan.NewManager(logger, cfg, b, cls, launcher, m)
}
