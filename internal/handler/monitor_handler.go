package handler

import (
	"net/http"

	"github.com/dushixiang/sentinel/internal/registry"
	"github.com/dushixiang/sentinel/internal/service"
	"github.com/go-errors/errors"
	"github.com/go-orz/orz"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type MonitorHandler struct {
	logger         *zap.Logger
	monitorService *service.MonitorService
}

func NewMonitorHandler(logger *zap.Logger, monitorService *service.MonitorService) *MonitorHandler {
	return &MonitorHandler{
		logger:         logger,
		monitorService: monitorService,
	}
}

func (h *MonitorHandler) kind(c echo.Context) (registry.Kind, error) {
	kind, err := registry.ParseKind(c.Param("kind"))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return kind, nil
}

// List 所有监控的状态
func (h *MonitorHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, h.monitorService.Status(c.Request().Context()))
}

// Start 启动监控
func (h *MonitorHandler) Start(c echo.Context) error {
	kind, err := h.kind(c)
	if err != nil {
		return err
	}
	err = h.monitorService.Start(kind)
	var already *registry.AlreadyRunningError
	if errors.As(err, &already) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return err
	}
	h.logger.Info("monitor started via api", zap.String("kind", string(kind)))
	return orz.Ok(c, orz.Map{"kind": kind, "running": true})
}

// Stop 停止监控并等待退出
func (h *MonitorHandler) Stop(c echo.Context) error {
	kind, err := h.kind(c)
	if err != nil {
		return err
	}
	err = h.monitorService.Stop(c.Request().Context(), kind)
	if errors.Is(err, registry.ErrNotRunning) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return err
	}
	h.logger.Info("monitor stopped via api", zap.String("kind", string(kind)))
	return orz.Ok(c, orz.Map{"kind": kind, "running": false})
}
