package scan

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dushixiang/sentinel/internal/classifier"
	"github.com/dushixiang/sentinel/internal/event"
	"github.com/dushixiang/sentinel/internal/supervisor"
	probing "github.com/prometheus-community/pro-bing"
	"github.com/valyala/fasttemplate"
	"go.uber.org/zap"
)

func notFound(err error) bool {
	var le *supervisor.LaunchError
	return errors.As(err, &le) && le.NotFound()
}

// runCommand 运行外部命令，按输出顺序分类后发送给会话，返回时进程已结束
// 标准错误的每一行作为错误事件发送
func (m *Manager) runCommand(t *Task, cmd supervisor.Command, mode classifier.Mode) (supervisor.Handle, error) {
	proc, err := m.launcher.Launch(t.ctx, cmd)
	if err != nil {
		var le *supervisor.LaunchError
		if errors.As(err, &le) {
			m.metrics.LaunchFailures.WithLabelValues(le.Command).Inc()
		}
		return nil, err
	}
	t.attach(proc)

	lines := m.metrics.LinesRead.WithLabelValues(string(t.Request.Operation))
	for line := range proc.Lines() {
		lines.Inc()
		if line.Stream == supervisor.Stderr {
			t.emit(event.LevelError, event.CategoryError, "Error: "+line.Text)
			continue
		}
		res, ok := m.classifier.Classify(line.Text, mode)
		if !ok {
			continue
		}
		t.emit(res.Level, res.Category, res.Message)
	}
	status := proc.Wait()
	m.logger.Debug("scan command exited", zap.String("task", t.ID), zap.String("command", cmd.Name), zap.String("status", status.String()))
	return proc, nil
}

// complete 根据退出状态发送结束事件，被取消的任务不发送
func (m *Manager) complete(t *Task, tool string, proc supervisor.Handle) error {
	if err := proc.Err(); err != nil {
		t.emit(event.LevelCritical, event.CategoryError, fmt.Sprintf("❌ %s output read failed: %v", tool, err))
		return err
	}
	if t.Cancelled() {
		return nil
	}
	status := proc.Wait()
	if status.Success() {
		t.emit(event.LevelSuccess, event.CategorySystem, fmt.Sprintf("✅ %s completed successfully", tool))
		return nil
	}
	t.emit(event.LevelWarning, event.CategorySystem, fmt.Sprintf("⚠️ %s completed with warnings", tool))
	return fmt.Errorf("%s %s", tool, status)
}

func (m *Manager) ping(t *Task) error {
	target := t.Request.Target
	t.emit(event.LevelInfo, event.CategorySystem, fmt.Sprintf("Starting ping to %s...", target))

	cmd := supervisor.Command{Name: m.cfg.Tools.Ping, Args: []string{"-c", "4", target}}
	proc, err := m.runCommand(t, cmd, classifier.ModeRaw)
	if err != nil {
		if notFound(err) {
			t.emit(event.LevelCritical, event.CategoryError, "❌ Ping command not found on system")
			return m.icmpPing(t)
		}
		t.emit(event.LevelCritical, event.CategoryError, fmt.Sprintf("❌ Ping error: %v", err))
		return err
	}
	return m.complete(t, "Ping", proc)
}

// icmpPing 系统没有 ping 命令时使用进程内 ICMP
func (m *Manager) icmpPing(t *Task) error {
	target := t.Request.Target
	pinger, err := probing.NewPinger(target)
	if err != nil {
		t.emit(event.LevelError, event.CategoryError, fmt.Sprintf("❌ Ping error: %v", err))
		return err
	}
	pinger.Count = 4
	pinger.Timeout = 10 * time.Second
	pinger.SetPrivileged(os.Geteuid() == 0)
	pinger.OnRecv = func(pkt *probing.Packet) {
		t.emit(event.LevelInfo, event.CategorySystem, fmt.Sprintf("%d bytes from %s: icmp_seq=%d ttl=%d time=%v",
			pkt.Nbytes, pkt.IPAddr, pkt.Seq, pkt.TTL, pkt.Rtt))
	}
	pinger.OnFinish = func(stats *probing.Statistics) {
		t.emit(event.LevelInfo, event.CategorySystem, fmt.Sprintf("%d packets transmitted, %d received, %.0f%% packet loss",
			stats.PacketsSent, stats.PacketsRecv, stats.PacketLoss))
		if stats.PacketsRecv > 0 {
			t.emit(event.LevelInfo, event.CategorySystem, fmt.Sprintf("rtt min/avg/max/mdev = %v/%v/%v/%v",
				stats.MinRtt, stats.AvgRtt, stats.MaxRtt, stats.StdDevRtt))
		}
	}

	t.emit(event.LevelInfo, event.CategorySystem, fmt.Sprintf("PING %s (%s) using built-in ICMP", target, pinger.IPAddr()))
	if err := pinger.RunWithContext(t.ctx); err != nil && !t.Cancelled() {
		t.emit(event.LevelError, event.CategoryError, fmt.Sprintf("❌ Ping error: %v", err))
		return err
	}
	if t.Cancelled() {
		return nil
	}
	if pinger.Statistics().PacketsRecv == 0 {
		t.emit(event.LevelWarning, event.CategorySystem, "⚠️ Ping completed with warnings")
		return errors.New("no icmp replies")
	}
	t.emit(event.LevelSuccess, event.CategorySystem, "✅ Ping completed successfully")
	return nil
}

func (m *Manager) traceroute(t *Task) error {
	target := t.Request.Target
	t.emit(event.LevelInfo, event.CategorySystem, fmt.Sprintf("Starting traceroute to %s...", target))

	cmd := supervisor.Command{Name: m.cfg.Tools.Traceroute, Args: []string{target}}
	proc, err := m.runCommand(t, cmd, classifier.ModeRaw)
	if err != nil {
		if notFound(err) {
			t.emit(event.LevelCritical, event.CategoryError, "❌ Traceroute command not found on system")
		} else {
			t.emit(event.LevelCritical, event.CategoryError, fmt.Sprintf("❌ Traceroute error: %v", err))
		}
		return err
	}
	return m.complete(t, "Traceroute", proc)
}

// pentestCommand 用目标替换命令模板中的 {{target}}
func (m *Manager) pentestCommand(target string) (supervisor.Command, error) {
	tmpl := m.cfg.Scan.PentestCommand
	if len(tmpl) == 0 {
		return supervisor.Command{}, errors.New("pentest command is not configured")
	}
	vars := map[string]any{"target": target}
	args := make([]string, len(tmpl))
	for i, arg := range tmpl {
		args[i] = fasttemplate.ExecuteString(arg, "{{", "}}", vars)
	}
	return supervisor.Command{Name: args[0], Args: args[1:]}, nil
}

func (m *Manager) pentest(t *Task) error {
	target, scanType := t.Request.Target, t.Request.ScanType
	cmd, err := m.pentestCommand(target)
	if err != nil {
		t.emit(event.LevelCritical, event.CategoryError, fmt.Sprintf("Error starting pentest: %v", err))
		return err
	}

	m.publisher.Publish(event.New(event.ChannelPentestStarted, event.LevelInfo, event.CategoryScan,
		fmt.Sprintf("Pentest started against %s (%s)", target, scanType)).
		WithTarget(target, scanType).
		To(t.Session))

	proc, err := m.runCommand(t, cmd, classifier.ModeScan)
	if err != nil {
		t.emit(event.LevelCritical, event.CategoryError, fmt.Sprintf("Error starting pentest: %v", err))
		return err
	}
	return m.complete(t, "Pentest scan", proc)
}
