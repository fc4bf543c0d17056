package monitor

import (
	"context"
	"fmt"

	"github.com/dushixiang/sentinel/internal/classifier"
	"github.com/dushixiang/sentinel/internal/event"
	"github.com/dushixiang/sentinel/internal/registry"
	"github.com/dushixiang/sentinel/internal/supervisor"
	"go.uber.org/zap"
)

// PacketCapture 基于 tshark 的实时抓包监控
type PacketCapture struct {
	Deps
	procTracker
}

func NewPacketCapture(deps Deps) *PacketCapture {
	return &PacketCapture{Deps: deps}
}

func (m *PacketCapture) Kind() registry.Kind {
	return registry.KindPacketCapture
}

func (m *PacketCapture) command(iface string) supervisor.Command {
	return supervisor.Command{
		Name: m.Config.Tools.Tshark,
		Args: []string{
			"-i", iface,
			"-T", "fields",
			"-e", "frame.number",
			"-e", "frame.time_relative",
			"-e", "ip.src",
			"-e", "ip.dst",
			"-e", "frame.protocols",
			"-e", "_ws.col.Info",
			"-n",
			"-l",
		},
	}
}

func (m *PacketCapture) Start(ctx context.Context) (<-chan struct{}, error) {
	iface, err := m.Config.ResolveInterface(ctx, nil)
	if err != nil {
		m.Publisher.Publish(event.New(event.ChannelRealtimeThreat, event.LevelCritical, event.CategoryError,
			fmt.Sprintf("❌ Packet capture error: %v", err)))
		return nil, err
	}

	proc, err := m.Launcher.Launch(ctx, m.command(iface))
	if err != nil {
		launchFailure(m.Deps, event.ChannelRealtimeThreat, "Tshark", err)
		return nil, err
	}
	m.set(proc)

	m.Logger.Info("packet capture started", zap.String("interface", iface), zap.Int("pid", proc.Pid()))
	m.Publisher.Publish(event.New(event.ChannelRealtimeThreat, event.LevelInfo, event.CategorySystem,
		fmt.Sprintf("Tshark real-time monitoring started on %s", iface)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer m.set(nil)

		pump(m.Deps, proc, "tshark", classifier.ModePacket, event.ChannelRealtimeThreat)
		status := proc.Wait()
		m.Logger.Info("packet capture exited", zap.String("status", status.String()))
		m.Publisher.Publish(terminal(event.ChannelRealtimeThreat, "Tshark", proc, status))
	}()
	return done, nil
}
