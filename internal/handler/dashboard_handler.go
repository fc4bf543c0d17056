package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dushixiang/sentinel/internal/bus"
	"github.com/dushixiang/sentinel/internal/protocol"
	"github.com/dushixiang/sentinel/internal/service"
	ws "github.com/dushixiang/sentinel/internal/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const sendBufferSize = 256

type DashboardHandler struct {
	logger    *zap.Logger
	wsManager *ws.Manager
	sessions  *service.SessionService
	upgrader  websocket.Upgrader
}

func NewDashboardHandler(logger *zap.Logger, wsManager *ws.Manager, sessions *service.SessionService) *DashboardHandler {
	h := &DashboardHandler{
		logger:    logger,
		wsManager: wsManager,
		sessions:  sessions,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024 * 4,
		WriteBufferSize: 1024 * 32,
		// 仪表盘可能由其他端口的静态服务提供
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	wsManager.SetMessageHandler(sessions.HandleMessage)
	wsManager.SetDisconnectHandler(sessions.Disconnect)
	sessions.SetReplier(wsManager)
	return h
}

// HandleWebSocket 仪表盘连接，每个连接是一个独立会话
func (h *DashboardHandler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", zap.Error(err))
		return err
	}

	session := uuid.NewString()
	client := &ws.Client{
		ID:         session,
		Conn:       conn,
		Send:       make(chan []byte, sendBufferSize),
		Manager:    h.wsManager,
		LastActive: time.Now(),
	}
	h.wsManager.Register(client)

	if err := h.wsManager.SendJSON(session, protocol.OutboundMessage{
		Type: protocol.MessageTypeSession,
		Data: protocol.SessionInfo{SessionID: session},
	}); err != nil {
		h.logger.Warn("failed to send session info", zap.String("session", session), zap.Error(err))
	}

	sub := h.sessions.Connect(session)
	go h.forward(sub)

	go client.WritePump()
	// 使用独立的 context，不依赖 HTTP 请求
	client.ReadPump(context.Background())
	return nil
}

// forward 将订阅的事件写入客户端发送队列，直到订阅关闭
func (h *DashboardHandler) forward(sub *bus.Subscription) {
	for ev := range sub.Events() {
		data, err := json.Marshal(protocol.OutboundMessage{
			Type: string(ev.Channel),
			Data: ev.Payload(),
		})
		if err != nil {
			h.logger.Error("failed to marshal event", zap.Error(err))
			continue
		}
		if err := h.wsManager.SendToClient(sub.Session(), data); err != nil {
			if errors.Is(err, ws.ErrClientNotFound) {
				return
			}
			h.logger.Debug("dropped event for slow client",
				zap.String("session", sub.Session()),
				zap.String("channel", string(ev.Channel)),
			)
		}
	}
}
