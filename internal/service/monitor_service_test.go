package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dushixiang/sentinel/internal/config"
	"github.com/dushixiang/sentinel/internal/metrics"
	"github.com/dushixiang/sentinel/internal/monitor"
	"github.com/dushixiang/sentinel/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeMonitor 运行到 ctx 取消或收到 crash 信号
type fakeMonitor struct {
	kind   registry.Kind
	starts atomic.Int32
	crash  chan struct{}
	err    error
}

func newFakeMonitor(kind registry.Kind) *fakeMonitor {
	return &fakeMonitor{kind: kind, crash: make(chan struct{}, 1)}
}

func (m *fakeMonitor) Kind() registry.Kind { return m.kind }

func (m *fakeMonitor) Start(ctx context.Context) (<-chan struct{}, error) {
	m.starts.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
		case <-m.crash:
		}
	}()
	return done, nil
}

type fakeMonitors struct {
	packets *fakeMonitor
	ids     *fakeMonitor
	feed    *fakeMonitor
}

func (f fakeMonitors) list() []monitor.Monitor {
	return []monitor.Monitor{f.packets, f.ids, f.feed}
}

func newTestMonitorService(t *testing.T, cfg *config.Config) (*MonitorService, fakeMonitors) {
	t.Helper()
	fakes := fakeMonitors{
		packets: newFakeMonitor(registry.KindPacketCapture),
		ids:     newFakeMonitor(registry.KindIntrusionDetection),
		feed:    newFakeMonitor(registry.KindThreatFeed),
	}
	reg := registry.NewRegistry(zap.NewNop(), metrics.New())
	s := NewMonitorService(zap.NewNop(), cfg, reg, fakes.list())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, fakes
}

func TestEnsureEnabledStartsEachMonitorOnce(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Monitors.ThreatFeed.Enabled = false
	s, fakes := newTestMonitorService(t, cfg)

	s.EnsureEnabled()
	s.EnsureEnabled()

	assert.EqualValues(t, 1, fakes.packets.starts.Load())
	assert.EqualValues(t, 1, fakes.ids.starts.Load())
	assert.EqualValues(t, 0, fakes.feed.starts.Load())
	assert.True(t, s.Running(registry.KindIntrusionDetection))
	assert.False(t, s.Running(registry.KindThreatFeed))
}

func TestStartReportsAlreadyRunning(t *testing.T) {
	s, _ := newTestMonitorService(t, config.DefaultConfig())

	require.NoError(t, s.Start(registry.KindPacketCapture))
	err := s.Start(registry.KindPacketCapture)
	var already *registry.AlreadyRunningError
	assert.True(t, errors.As(err, &already))
}

func TestStartFailureReleasesSlot(t *testing.T) {
	s, fakes := newTestMonitorService(t, config.DefaultConfig())
	fakes.ids.err = errors.New("boom")

	require.Error(t, s.Start(registry.KindIntrusionDetection))
	assert.False(t, s.Running(registry.KindIntrusionDetection))

	fakes.ids.err = nil
	require.NoError(t, s.Start(registry.KindIntrusionDetection))
}

func TestStopWaitsForExit(t *testing.T) {
	s, _ := newTestMonitorService(t, config.DefaultConfig())
	require.NoError(t, s.Start(registry.KindThreatFeed))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx, registry.KindThreatFeed))
	assert.Eventually(t, func() bool { return !s.Running(registry.KindThreatFeed) }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.Stop(ctx, registry.KindThreatFeed), registry.ErrNotRunning)
}

func TestStatusReportsEveryKind(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Monitors.PacketCapture.Enabled = false
	s, _ := newTestMonitorService(t, cfg)
	require.NoError(t, s.Start(registry.KindIntrusionDetection))

	items := s.Status(context.Background())
	require.Len(t, items, 3)
	byKind := map[registry.Kind]MonitorStatus{}
	for _, item := range items {
		byKind[item.Kind] = item
	}
	assert.Equal(t, registry.StateRunning, byKind[registry.KindIntrusionDetection].State)
	assert.Equal(t, registry.StateStopped, byKind[registry.KindPacketCapture].State)
	assert.False(t, byKind[registry.KindPacketCapture].Enabled)
	assert.True(t, byKind[registry.KindThreatFeed].Enabled)
}

func restartConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Monitors.Restart.Enabled = true
	cfg.Monitors.Restart.MinDelay = 1
	cfg.Monitors.Restart.MaxDelay = 2
	return cfg
}

func TestRestartAfterUnexpectedExit(t *testing.T) {
	s, fakes := newTestMonitorService(t, restartConfig())
	require.NoError(t, s.Start(registry.KindIntrusionDetection))

	fakes.ids.crash <- struct{}{}

	require.Eventually(t, func() bool {
		return fakes.ids.starts.Load() == 2 && s.Running(registry.KindIntrusionDetection)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNoRestartAfterStop(t *testing.T) {
	s, fakes := newTestMonitorService(t, restartConfig())
	require.NoError(t, s.Start(registry.KindIntrusionDetection))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx, registry.KindIntrusionDetection))

	time.Sleep(1500 * time.Millisecond)
	assert.EqualValues(t, 1, fakes.ids.starts.Load())
	assert.False(t, s.Running(registry.KindIntrusionDetection))
}
