package handler

import (
	"net/http"

	"github.com/dushixiang/sentinel/internal/scan"
	"github.com/go-errors/errors"
	"github.com/go-orz/orz"
	"github.com/labstack/echo/v4"
)

type TaskHandler struct {
	scans *scan.Manager
}

func NewTaskHandler(scans *scan.Manager) *TaskHandler {
	return &TaskHandler{scans: scans}
}

// StartTaskRequest 通过 HTTP 为已连接的会话启动扫描
type StartTaskRequest struct {
	Operation string `json:"operation" validate:"required"`
	Target    string `json:"target" validate:"required"`
	Speed     string `json:"speed"`
	ScanType  string `json:"scan_type"`
}

// List 会话的任务
func (h *TaskHandler) List(c echo.Context) error {
	items := h.scans.List(c.Param("sessionId"))
	if items == nil {
		items = []scan.Info{}
	}
	return c.JSON(http.StatusOK, items)
}

// Create 启动任务，输出发往该会话的订阅
func (h *TaskHandler) Create(c echo.Context) error {
	var req StartTaskRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	id, err := h.scans.Start(c.Param("sessionId"), scan.Request{
		Operation: scan.Operation(req.Operation),
		Target:    req.Target,
		Speed:     req.Speed,
		ScanType:  req.ScanType,
	})
	var invalid *scan.ValidationError
	if errors.As(err, &invalid) {
		return orz.NewError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}
	info, _ := h.scans.Get(id)
	return c.JSON(http.StatusCreated, info)
}

// Cancel 取消任务
func (h *TaskHandler) Cancel(c echo.Context) error {
	id := c.Param("taskId")
	info, ok := h.scans.Get(id)
	if !ok || info.Session != c.Param("sessionId") {
		return echo.NewHTTPError(http.StatusNotFound, scan.ErrTaskNotFound.Error())
	}
	if info.State == scan.StateRunning {
		if err := h.scans.Cancel(id); err != nil && !errors.Is(err, scan.ErrTaskNotFound) {
			return err
		}
	}
	return c.NoContent(http.StatusNoContent)
}
