package monitor

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/dushixiang/sentinel/internal/classifier"
	"github.com/dushixiang/sentinel/internal/event"
	"github.com/dushixiang/sentinel/internal/registry"
	"github.com/dushixiang/sentinel/internal/supervisor"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// simulatedAlert 模拟告警
type simulatedAlert struct {
	message  string
	level    event.Level
	category string
}

var simulatedAlerts = []simulatedAlert{
	{"Port scan detected from 192.168.1.100", event.LevelHigh, event.CategoryScan},
	{"Brute force attempt on SSH port 22", event.LevelCritical, event.CategoryBruteforce},
	{"Suspicious HTTP traffic detected", event.LevelMedium, event.CategoryAnomaly},
	{"Malware signature detected in traffic", event.LevelCritical, event.CategoryMalware},
	{"DDoS attack pattern identified", event.LevelHigh, event.CategoryDoS},
	{"SQL injection attempt blocked", event.LevelHigh, event.CategoryExploit},
}

// IntrusionDetection 基于 suricata 的入侵检测监控
// suricata 无法启动且允许模拟时，改为推送模拟告警
type IntrusionDetection struct {
	Deps
	procTracker

	rand        Rand
	minInterval time.Duration
	maxInterval time.Duration
}

func NewIntrusionDetection(deps Deps) *IntrusionDetection {
	lo, hi := deps.Config.GetSimulateInterval()
	return &IntrusionDetection{
		Deps:        deps,
		rand:        globalRand{},
		minInterval: lo,
		maxInterval: hi,
	}
}

func (m *IntrusionDetection) Kind() registry.Kind {
	return registry.KindIntrusionDetection
}

func (m *IntrusionDetection) command(iface string) supervisor.Command {
	tools := m.Config.Tools
	return privileged(tools, tools.Suricata,
		"-i", iface,
		"--runmode", "autofp",
		"-c", tools.SuricataConfig,
		"-l", tools.SuricataLogDir,
		"-v",
	)
}

func (m *IntrusionDetection) publish(level event.Level, category, msg string) {
	m.Publisher.Publish(event.New(event.ChannelIDSAlert, level, category, msg))
}

func (m *IntrusionDetection) Start(ctx context.Context) (<-chan struct{}, error) {
	iface, err := m.Config.ResolveInterface(ctx, nil)
	if err != nil {
		m.publish(event.LevelCritical, event.CategoryError, fmt.Sprintf("❌ Suricata error: %v", err))
		return m.fallback(ctx, err)
	}

	m.publish(event.LevelInfo, event.CategorySystem, fmt.Sprintf("Suricata IDS started on %s", iface))

	cmd := m.command(iface)
	proc, err := m.launch(ctx, cmd)
	if err != nil {
		launchFailure(m.Deps, event.ChannelIDSAlert, "Suricata", err)
		return m.fallback(ctx, err)
	}
	m.set(proc)

	m.Logger.Info("intrusion detection started", zap.String("interface", iface), zap.Int("pid", proc.Pid()))
	m.publish(event.LevelInfo, event.CategorySystem, "✓ Suricata process started successfully")

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer m.set(nil)

		followCtx, stopFollow := context.WithCancel(ctx)
		var wg conc.WaitGroup
		if alertLog := m.Config.Monitors.IntrusionDetection.AlertLog; alertLog != "" {
			wg.Go(func() {
				err := Follow(followCtx, m.Logger, alertLog, func(line string) {
					m.classify(line)
				})
				if err != nil {
					m.Logger.Warn("follow alert log failed", zap.String("path", alertLog), zap.Error(err))
				}
			})
		}

		pump(m.Deps, proc, "suricata", classifier.ModeAlert, event.ChannelIDSAlert)
		status := proc.Wait()
		stopFollow()
		wg.Wait()

		m.Logger.Info("intrusion detection exited", zap.String("status", status.String()))
		m.Publisher.Publish(terminal(event.ChannelIDSAlert, "Suricata", proc, status))
	}()
	return done, nil
}

// launch sudo 本身总能启动，需要先确认 suricata 存在
func (m *IntrusionDetection) launch(ctx context.Context, cmd supervisor.Command) (supervisor.Handle, error) {
	tools := m.Config.Tools
	if tools.UseSudo {
		if _, err := exec.LookPath(tools.Suricata); err != nil {
			return nil, &supervisor.LaunchError{Command: tools.Suricata, Err: err}
		}
	}
	return m.Launcher.Launch(ctx, cmd)
}

func (m *IntrusionDetection) classify(line string) {
	m.Metrics.LinesRead.WithLabelValues("alert-log").Inc()
	res, ok := m.Classifier.Classify(line, classifier.ModeAlert)
	if !ok {
		return
	}
	m.publish(res.Level, res.Category, res.Message)
}

func (m *IntrusionDetection) fallback(ctx context.Context, cause error) (<-chan struct{}, error) {
	if !m.Config.Monitors.IntrusionDetection.SimulateOnFailure {
		return nil, cause
	}
	m.Logger.Warn("suricata unavailable, running simulated alerts", zap.Error(cause))
	return m.simulate(ctx), nil
}

// simulate 推送模拟告警直到 ctx 结束
func (m *IntrusionDetection) simulate(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	m.publish(event.LevelInfo, event.CategorySystem, "Simulated IDS monitoring started")
	go func() {
		defer close(done)
		for {
			if ctx.Err() != nil {
				return
			}
			alert := simulatedAlerts[m.rand.IntN(len(simulatedAlerts))]
			m.publish(alert.level, alert.category, "🚨 "+alert.message)
			if !sleep(ctx, between(m.rand, m.minInterval, m.maxInterval)) {
				m.publish(event.LevelInfo, event.CategorySystem, "Simulated IDS monitoring stopped")
				return
			}
		}
	}()
	return done
}
