package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dushixiang/sentinel/internal/event"
	"github.com/dushixiang/sentinel/internal/metrics"
	"github.com/jpillora/backoff"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher NATS 发布接口，*nats.Conn 满足该接口
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink 把事件以线上格式转发到 NATS，主题为 <subject>.<channel>
type NATSSink struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	pub     Publisher
	subject string
	queue   chan event.Event
}

func NewNATSSink(logger *zap.Logger, m *metrics.Metrics, pub Publisher, subject string, queueSize int) *NATSSink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &NATSSink{
		logger:  logger,
		metrics: m,
		pub:     pub,
		subject: subject,
		queue:   make(chan event.Event, queueSize),
	}
}

func (s *NATSSink) Name() string {
	return "nats"
}

// Deliver 入队，队列已满时丢弃
func (s *NATSSink) Deliver(ev event.Event) {
	select {
	case s.queue <- ev:
	default:
		s.metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
	}
}

// Run 持续发布队列中的事件直到 ctx 结束
func (s *NATSSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			if err := s.publish(ev); err != nil {
				s.metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
				s.logger.Debug("failed to publish event to nats", zap.Error(err))
			}
		}
	}
}

// Message NATS 消息体
type Message struct {
	Channel event.Channel `json:"channel"`
	Session string        `json:"session,omitempty"`
	event.Payload
}

func (s *NATSSink) publish(ev event.Event) error {
	data, err := json.Marshal(Message{
		Channel: ev.Channel,
		Session: ev.Session,
		Payload: ev.Payload(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := s.subject + "." + string(ev.Channel)
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// ConnectNATS 连接 NATS，断线后按指数退避重连
func ConnectNATS(logger *zap.Logger, url string) (*nats.Conn, error) {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}
	nc, err := nats.Connect(url,
		nats.Name("sentinel"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return b.ForAttempt(float64(attempts))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}
