package handler

import (
	"net/http"

	"github.com/dushixiang/sentinel/internal/bus"
	"github.com/dushixiang/sentinel/internal/event"
	"github.com/go-orz/orz"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// TestHandler 手动发送测试事件，用于检查仪表盘的连通性
type TestHandler struct {
	logger *zap.Logger
	bus    *bus.Bus
}

func NewTestHandler(logger *zap.Logger, b *bus.Bus) *TestHandler {
	return &TestHandler{logger: logger, bus: b}
}

var testEvents = map[string]event.Event{
	"realtime": event.New(event.ChannelRealtimeThreat, event.LevelInfo, event.CategorySystem,
		"Manual test event from server"),
	"pentest": event.New(event.ChannelPentestOutput, event.LevelInfo, event.CategorySystem,
		"Manual pentest test event from server"),
	"ids": event.New(event.ChannelIDSAlert, event.LevelHigh, "test",
		"Manual IDS test alert from server - DIRECT EMIT TEST"),
}

// Emit 广播一条测试事件
func (h *TestHandler) Emit(c echo.Context) error {
	kind := c.Param("kind")
	tmpl, ok := testEvents[kind]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown test event "+kind)
	}
	ev := event.New(tmpl.Channel, tmpl.Level, tmpl.Category, tmpl.Message)
	h.bus.Publish(ev)
	h.logger.Info("manual test event emitted",
		zap.String("channel", string(ev.Channel)),
		zap.Int("subscribers", h.bus.Subscribers()),
	)
	return orz.Ok(c, orz.Map{
		"channel":     ev.Channel,
		"subscribers": h.bus.Subscribers(),
	})
}
