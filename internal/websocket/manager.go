package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MessageHandler 处理客户端消息
type MessageHandler func(ctx context.Context, clientID string, messageType string, data json.RawMessage) error

// DisconnectHandler 客户端断开后回调
type DisconnectHandler func(clientID string)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrSendBufferFull = errors.New("client send buffer is full")
)

// Manager WebSocket 连接管理器
type Manager struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	handler      MessageHandler
	onDisconnect DisconnectHandler
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// SetMessageHandler 设置消息处理器
func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// SetDisconnectHandler 设置断开回调
func (m *Manager) SetDisconnectHandler(handler DisconnectHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = handler
}

// Register 注册客户端，同 ID 的旧连接会被关闭
func (m *Manager) Register(client *Client) {
	m.mu.Lock()
	old, exists := m.clients[client.ID]
	m.clients[client.ID] = client
	m.mu.Unlock()

	if exists && old != client {
		old.close()
		_ = old.Conn.Close()
	}
	m.logger.Debug("websocket client registered", zap.String("client", client.ID))
}

// Unregister 注销客户端并触发断开回调，可重复调用
func (m *Manager) Unregister(client *Client) {
	m.mu.Lock()
	current, exists := m.clients[client.ID]
	if exists && current == client {
		delete(m.clients, client.ID)
	}
	onDisconnect := m.onDisconnect
	m.mu.Unlock()

	if !client.close() {
		return
	}
	m.logger.Debug("websocket client unregistered", zap.String("client", client.ID))
	if onDisconnect != nil && exists && current == client {
		onDisconnect(client.ID)
	}
}

// GetClient 获取客户端
func (m *Manager) GetClient(id string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[id]
	return client, ok
}

// GetAllClients 所有在线客户端 ID
func (m *Manager) GetAllClients() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	return ids
}

// SendToClient 发送消息给指定客户端，缓冲区满时丢弃
func (m *Manager) SendToClient(id string, data []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[id]
	if !ok {
		return ErrClientNotFound
	}
	return client.enqueue(data)
}

// SendJSON 序列化后发送
func (m *Manager) SendJSON(id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.SendToClient(id, data)
}

func (m *Manager) handle(ctx context.Context, clientID, messageType string, data json.RawMessage) {
	m.mu.RLock()
	handler := m.handler
	m.mu.RUnlock()
	if handler == nil {
		return
	}
	if err := handler(ctx, clientID, messageType, data); err != nil {
		m.logger.Warn("failed to handle websocket message",
			zap.String("client", clientID),
			zap.String("type", messageType),
			zap.Error(err),
		)
	}
}

// Run 定期清理长时间没有活动的连接，ctx 结束时关闭所有连接
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(pongWait)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case <-ticker.C:
			m.sweep(time.Now().Add(-2 * pongWait))
		}
	}
}

func (m *Manager) sweep(deadline time.Time) {
	m.mu.RLock()
	var stale []*Client
	for _, client := range m.clients {
		if client.lastActive().Before(deadline) {
			stale = append(stale, client)
		}
	}
	m.mu.RUnlock()

	for _, client := range stale {
		m.logger.Info("closing inactive websocket client", zap.String("client", client.ID))
		_ = client.Conn.Close()
	}
}

func (m *Manager) closeAll() {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	m.mu.RUnlock()

	for _, client := range clients {
		_ = client.Conn.Close()
	}
}
