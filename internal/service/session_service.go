package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dushixiang/sentinel/internal/bus"
	"github.com/dushixiang/sentinel/internal/config"
	"github.com/dushixiang/sentinel/internal/event"
	"github.com/dushixiang/sentinel/internal/protocol"
	"github.com/dushixiang/sentinel/internal/registry"
	"github.com/dushixiang/sentinel/internal/scan"
	"go.uber.org/zap"
)

// Replier 向单个会话发送指令回复
type Replier interface {
	SendJSON(id string, v any) error
}

// SessionService 仪表盘会话的生命周期与指令分发
type SessionService struct {
	logger   *zap.Logger
	cfg      *config.Config
	bus      *bus.Bus
	scans    *scan.Manager
	monitors *MonitorService
	replier  Replier
}

func NewSessionService(logger *zap.Logger, cfg *config.Config, b *bus.Bus, scans *scan.Manager, monitors *MonitorService) *SessionService {
	return &SessionService{
		logger:   logger,
		cfg:      cfg,
		bus:      b,
		scans:    scans,
		monitors: monitors,
	}
}

// SetReplier 设置指令回复通道
func (s *SessionService) SetReplier(r Replier) {
	s.replier = r
}

// Connect 订阅事件、确保启用的监控在运行，并向该会话发送连接确认
func (s *SessionService) Connect(session string) *bus.Subscription {
	sub := s.bus.Subscribe(session)
	s.monitors.EnsureEnabled()
	s.idsNotice(session, "IDS system connected and monitoring started")
	s.logger.Info("dashboard session connected", zap.String("session", session))
	return sub
}

// Disconnect 取消会话的全部任务并取消订阅
func (s *SessionService) Disconnect(session string) {
	n := s.scans.CancelAll(session)
	s.bus.Unsubscribe(session)
	s.logger.Info("dashboard session disconnected",
		zap.String("session", session),
		zap.Int("cancelled", n),
	)
}

func (s *SessionService) idsNotice(session, message string) {
	s.bus.Publish(event.New(event.ChannelIDSAlert, event.LevelInfo, event.CategorySystem, message).To(session))
}

func (s *SessionService) reply(session, typ string, data any) {
	if s.replier == nil {
		return
	}
	if err := s.replier.SendJSON(session, protocol.OutboundMessage{Type: typ, Data: data}); err != nil {
		s.logger.Debug("failed to reply", zap.String("session", session), zap.String("type", typ), zap.Error(err))
	}
}

func (s *SessionService) replyError(session string, request protocol.MessageType, err error) {
	s.reply(session, protocol.MessageTypeError, protocol.ErrorMessage{
		Request: string(request),
		Message: err.Error(),
	})
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// HandleMessage 处理仪表盘指令
func (s *SessionService) HandleMessage(ctx context.Context, session string, messageType string, data json.RawMessage) error {
	typ := protocol.MessageType(messageType)
	var err error
	switch typ {
	case protocol.MessageTypeStartScan:
		err = s.startScan(session, data)
	case protocol.MessageTypeStopScan:
		err = s.stopScan(session, data)
	case protocol.MessageTypeStopAll:
		s.scans.CancelAll(session)
	case protocol.MessageTypeStartPentest:
		err = s.startPentest(session, data)
	case protocol.MessageTypeStopPentest:
		s.stopPentest(session)
	case protocol.MessageTypeStartIDS:
		err = s.startIDS(session)
	case protocol.MessageTypeStopIDS:
		err = s.stopIDS(ctx, session)
	case protocol.MessageTypeToggleIDS:
		if s.monitors.Running(registry.KindIntrusionDetection) {
			err = s.stopIDS(ctx, "")
		} else {
			err = s.startIDS("")
		}
		s.idsNotice(session, "IDS monitoring toggled by user")
	case protocol.MessageTypeListTasks:
		s.reply(session, protocol.MessageTypeTaskList, s.scans.List(session))
	default:
		err = fmt.Errorf("unknown message type %q", messageType)
	}

	var invalid *scan.ValidationError
	if err != nil && !errors.As(err, &invalid) {
		s.replyError(session, typ, err)
	}
	return err
}

func (s *SessionService) startScan(session string, data json.RawMessage) error {
	var req protocol.StartScanRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return s.start(session, scan.Request{
		Operation: scan.Operation(req.Operation),
		Target:    req.Target,
		Speed:     req.Speed,
	})
}

func (s *SessionService) startPentest(session string, data json.RawMessage) error {
	var req protocol.StartPentestRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return s.start(session, scan.Request{
		Operation: scan.OpPentest,
		Target:    req.Target,
		ScanType:  req.ScanType,
	})
}

func (s *SessionService) start(session string, req scan.Request) error {
	id, err := s.scans.Start(session, req)
	if err != nil {
		return err
	}
	s.reply(session, protocol.MessageTypeTaskStarted, protocol.TaskStarted{
		TaskID:    id,
		Operation: string(req.Operation),
		Target:    req.Target,
	})
	return nil
}

func (s *SessionService) stopScan(session string, data json.RawMessage) error {
	var req protocol.StopScanRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	// 只能停止本会话的任务
	info, ok := s.scans.Get(req.TaskID)
	if !ok || info.Session != session {
		return scan.ErrTaskNotFound
	}
	if info.State != scan.StateRunning {
		return nil
	}
	return s.scans.Cancel(req.TaskID)
}

// stopPentest 取消会话的渗透测试，每个被取消的任务自行发送停止消息
func (s *SessionService) stopPentest(session string) {
	if s.scans.CancelOperation(session, scan.OpPentest) > 0 {
		return
	}
	s.bus.Publish(event.New(event.ChannelPentestOutput, event.LevelInfo, event.CategorySystem,
		"Pentest scan stopped by user").To(session))
}

func (s *SessionService) startIDS(session string) error {
	err := s.monitors.Start(registry.KindIntrusionDetection)
	var already *registry.AlreadyRunningError
	if err != nil && !errors.As(err, &already) {
		return err
	}
	if session != "" {
		s.idsNotice(session, "IDS real-time monitoring activated by user")
	}
	return nil
}

func (s *SessionService) stopIDS(ctx context.Context, session string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GetShutdownTimeout())
	defer cancel()
	err := s.monitors.Stop(ctx, registry.KindIntrusionDetection)
	if err != nil && !errors.Is(err, registry.ErrNotRunning) {
		return err
	}
	if session != "" {
		s.idsNotice(session, "IDS monitoring deactivated by user")
	}
	return nil
}
