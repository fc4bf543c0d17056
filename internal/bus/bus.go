package bus

import (
	"sync"
	"sync/atomic"

	"github.com/dushixiang/sentinel/internal/event"
	"github.com/dushixiang/sentinel/internal/metrics"
	"go.uber.org/zap"
)

// DefaultBufferSize 每个订阅者的缓冲大小
const DefaultBufferSize = 256

// Sink 事件的附加出口，Deliver 不得阻塞
type Sink interface {
	Name() string
	Deliver(ev event.Event)
}

// Subscription 会话订阅
type Subscription struct {
	session string
	ch      chan event.Event
	dropped atomic.Uint64
}

// Session 会话 ID
func (s *Subscription) Session() string {
	return s.session
}

// Events 事件序列，取消订阅后关闭
func (s *Subscription) Events() <-chan event.Event {
	return s.ch
}

// Dropped 因缓冲已满被丢弃的事件数
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus 尽力而为的事件总线，发布方永不阻塞
type Bus struct {
	logger     *zap.Logger
	metrics    *metrics.Metrics
	bufferSize int

	mu    sync.RWMutex
	subs  map[string]*Subscription
	sinks []Sink
}

func NewBus(logger *zap.Logger, m *metrics.Metrics, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		logger:     logger,
		metrics:    m,
		bufferSize: bufferSize,
		subs:       make(map[string]*Subscription),
	}
}

// AddSink 注册附加出口
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe 订阅，同一会话重复订阅会替换旧的订阅
func (b *Bus) Subscribe(session string) *Subscription {
	sub := &Subscription{
		session: session,
		ch:      make(chan event.Event, b.bufferSize),
	}

	b.mu.Lock()
	if old, ok := b.subs[session]; ok {
		close(old.ch)
	}
	b.subs[session] = sub
	n := len(b.subs)
	b.mu.Unlock()

	b.metrics.Subscribers.Set(float64(n))
	return sub
}

// Unsubscribe 取消订阅并关闭事件序列，可重复调用
func (b *Bus) Unsubscribe(session string) {
	b.mu.Lock()
	sub, ok := b.subs[session]
	if ok {
		delete(b.subs, session)
		close(sub.ch)
	}
	n := len(b.subs)
	b.mu.Unlock()

	if ok {
		b.metrics.Subscribers.Set(float64(n))
	}
}

// Publish 发布事件，广播给所有订阅者或只投递给目标会话
// 订阅者缓冲已满或目标会话不存在时直接丢弃
func (b *Bus) Publish(ev event.Event) {
	b.metrics.EventsPublished.WithLabelValues(string(ev.Channel), string(ev.Level)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()

	if ev.Broadcast() {
		for _, sub := range b.subs {
			b.offer(sub, ev)
		}
	} else if sub, ok := b.subs[ev.Session]; ok {
		b.offer(sub, ev)
	}

	for _, s := range b.sinks {
		s.Deliver(ev)
	}
}

func (b *Bus) offer(sub *Subscription, ev event.Event) {
	select {
	case sub.ch <- ev:
	default:
		sub.dropped.Add(1)
		b.metrics.EventsDropped.WithLabelValues(string(ev.Channel)).Inc()
	}
}

// Subscribers 当前订阅的会话数
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 关闭所有订阅
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.metrics.Subscribers.Set(0)
}
