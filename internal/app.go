package internal

import (
	"context"
	"net/http"

	"github.com/dushixiang/sentinel/internal/bus"
	"github.com/dushixiang/sentinel/internal/config"
	"github.com/dushixiang/sentinel/internal/handler"
	"github.com/go-errors/errors"
	"github.com/go-orz/orz"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// App 事件引擎服务
type App struct {
	logger     *zap.Logger
	cfg        *config.Config
	components *AppComponents
	echo       *echo.Echo
	nc         *nats.Conn
}

func NewApp(logger *zap.Logger, cfg *config.Config) (*App, error) {
	components, err := InitializeApp(logger, cfg)
	if err != nil {
		return nil, err
	}
	app := &App{
		logger:     logger,
		cfg:        cfg,
		components: components,
	}
	e, err := setupApi(logger, components)
	if err != nil {
		return nil, err
	}
	app.echo = e
	return app, nil
}

// Run 启动服务并阻塞直到 ctx 结束，然后依次关闭各组件
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 启动WebSocket管理器
	go a.components.WSManager.Run(ctx)

	if a.cfg.NATS.URL != "" {
		nc, err := bus.ConnectNATS(a.logger, a.cfg.NATS.URL)
		if err != nil {
			return err
		}
		a.nc = nc
		sink := bus.NewNATSSink(a.logger, a.components.Metrics, nc, a.cfg.NATS.Subject, 0)
		a.components.Bus.AddSink(sink)
		go sink.Run(ctx)
		a.logger.Info("forwarding events to nats",
			zap.String("url", a.cfg.NATS.URL),
			zap.String("subject", a.cfg.NATS.Subject),
		)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.cfg.Server.Addr))
		if err := a.echo.Start(a.cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.logger.Error("http server failed", zap.Error(runErr))
	}

	a.shutdown()
	return runErr
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.GetShutdownTimeout())
	defer cancel()

	a.logger.Info("shutting down")
	if err := a.echo.Shutdown(ctx); err != nil {
		a.logger.Warn("http server shutdown", zap.Error(err))
	}
	a.components.ScanManager.Close()
	if err := a.components.MonitorService.Shutdown(ctx); err != nil {
		a.logger.Warn("monitors did not exit in time", zap.Error(err))
	}
	a.components.Bus.Close()
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.logger.Warn("nats drain", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}

func setupApi(logger *zap.Logger, components *AppComponents) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(handler.ErrorHandler(logger))

	customValidator := handler.CustomValidator{Validator: validator.New()}
	if err := customValidator.TransInit(); err != nil {
		return nil, err
	}
	e.Validator = &customValidator

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, orz.Map{
			"status":      "ok",
			"subscribers": components.Bus.Subscribers(),
			"tasks":       components.ScanManager.Active(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(components.Metrics.Registry, promhttp.HandlerOpts{})))

	// WebSocket 路由（仪表盘连接）
	e.GET("/ws/dashboard", components.DashboardHandler.HandleWebSocket)

	api := e.Group("/api")
	{
		api.GET("/monitors", components.MonitorHandler.List)
		api.POST("/monitors/:kind/start", components.MonitorHandler.Start)
		api.POST("/monitors/:kind/stop", components.MonitorHandler.Stop)

		api.GET("/sessions/:sessionId/tasks", components.TaskHandler.List)
		api.POST("/sessions/:sessionId/tasks", components.TaskHandler.Create)
		api.DELETE("/sessions/:sessionId/tasks/:taskId", components.TaskHandler.Cancel)

		api.POST("/test/emit/:kind", components.TestHandler.Emit)
	}
	return e, nil
}
