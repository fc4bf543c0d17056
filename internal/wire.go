//go:build wireinject
// +build wireinject

package internal

import (
	"github.com/dushixiang/sentinel/internal/config"
	"github.com/dushixiang/sentinel/internal/handler"
	"github.com/dushixiang/sentinel/internal/metrics"
	"github.com/dushixiang/sentinel/internal/registry"
	"github.com/dushixiang/sentinel/internal/service"
	"github.com/dushixiang/sentinel/internal/websocket"
	"github.com/google/wire"
	"go.uber.org/zap"
)

// InitializeApp 初始化应用
func InitializeApp(logger *zap.Logger, cfg *config.Config) (*AppComponents, error) {
	wire.Build(
		metrics.New,
		provideBus,
		provideClassifier,
		provideLauncher,
		provideMonitorDeps,
		provideScanManager,
		registry.NewRegistry,

		service.NewMonitors,
		service.NewMonitorService,
		service.NewSessionService,

		// WebSocket Manager
		websocket.NewManager,

		// Handlers
		handler.NewDashboardHandler,
		handler.NewMonitorHandler,
		handler.NewTaskHandler,
		handler.NewTestHandler,

		// App Components
		wire.Struct(new(AppComponents), "*"),
	)
	return nil, nil
}
