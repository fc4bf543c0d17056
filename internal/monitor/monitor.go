package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dushixiang/sentinel/internal/classifier"
	"github.com/dushixiang/sentinel/internal/config"
	"github.com/dushixiang/sentinel/internal/event"
	"github.com/dushixiang/sentinel/internal/metrics"
	"github.com/dushixiang/sentinel/internal/registry"
	"github.com/dushixiang/sentinel/internal/supervisor"
	"go.uber.org/zap"
)

// Publisher 事件发布接口
type Publisher interface {
	Publish(ev event.Event)
}

// Monitor 单例监控
type Monitor interface {
	Kind() registry.Kind
	// Start 启动监控，返回的通道在监控退出时关闭
	Start(ctx context.Context) (<-chan struct{}, error)
}

// Deps 监控共用的依赖
type Deps struct {
	Logger     *zap.Logger
	Config     *config.Config
	Publisher  Publisher
	Classifier *classifier.Classifier
	Launcher   supervisor.Launcher
	Metrics    *metrics.Metrics
}

// Rand 随机数来源
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int {
	return rand.IntN(n)
}

// between 返回 [lo, hi] 内的随机时长，按毫秒取整
func between(r Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := int((hi - lo) / time.Millisecond)
	return lo + time.Duration(r.IntN(span+1))*time.Millisecond
}

// sleep 可被取消的等待，ctx 结束返回 false
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// procTracker 记录当前运行的进程，用于查询资源占用
type procTracker struct {
	mu   sync.RWMutex
	proc supervisor.Handle
}

func (t *procTracker) set(p supervisor.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proc = p
}

// Stats 当前进程的资源占用，没有进程时返回 false
func (t *procTracker) Stats(ctx context.Context) (supervisor.ProcStats, bool) {
	t.mu.RLock()
	p := t.proc
	t.mu.RUnlock()
	if p == nil {
		return supervisor.ProcStats{}, false
	}
	stats, err := p.Stats(ctx)
	if err != nil {
		return supervisor.ProcStats{Pid: p.Pid()}, true
	}
	return stats, true
}

// pump 按顺序读取输出、分类并发布，直到输出关闭
func pump(d Deps, proc supervisor.Handle, source string, mode classifier.Mode, channel event.Channel) {
	lines := d.Metrics.LinesRead.WithLabelValues(source)
	for line := range proc.Lines() {
		lines.Inc()
		res, ok := d.Classifier.Classify(line.Text, mode)
		if !ok {
			continue
		}
		d.Publisher.Publish(event.New(channel, res.Level, res.Category, res.Message))
	}
}

// launchFailure 启动失败时发布一条 critical 事件
func launchFailure(d Deps, channel event.Channel, tool string, err error) {
	var le *supervisor.LaunchError
	msg := fmt.Sprintf("❌ %s error: %v", tool, err)
	if errors.As(err, &le) {
		d.Metrics.LaunchFailures.WithLabelValues(le.Command).Inc()
		switch {
		case le.NotFound():
			msg = fmt.Sprintf("❌ %s not found. Please install %s", tool, tool)
		case le.PermissionDenied():
			msg = fmt.Sprintf("❌ Permission denied for %s. Run with sudo privileges", tool)
		}
	}
	d.Logger.Error("monitor launch failed", zap.String("tool", tool), zap.Error(err))
	d.Publisher.Publish(event.New(channel, event.LevelCritical, event.CategoryError, msg))
}

// terminal 进程结束后的状态事件
func terminal(channel event.Channel, tool string, proc supervisor.Handle, status supervisor.Status) event.Event {
	if err := proc.Err(); err != nil {
		return event.New(channel, event.LevelCritical, event.CategoryError, fmt.Sprintf("❌ %s output read failed: %v", tool, err))
	}
	switch {
	case status.Success():
		return event.New(channel, event.LevelInfo, event.CategorySystem, fmt.Sprintf("✅ %s monitoring completed successfully", tool))
	case proc.Cancelled():
		return event.New(channel, event.LevelInfo, event.CategorySystem, fmt.Sprintf("%s monitoring stopped", tool))
	case status.State == supervisor.StateExited:
		return event.New(channel, event.LevelMedium, event.CategorySystem, fmt.Sprintf("⚠️ %s completed with code: %d", tool, status.ExitCode))
	case status.State == supervisor.StateKilled:
		return event.New(channel, event.LevelHigh, event.CategorySystem, fmt.Sprintf("⚠️ %s was %s", tool, status))
	default:
		return event.New(channel, event.LevelCritical, event.CategoryError, fmt.Sprintf("❌ %s %s", tool, status))
	}
}

// privileged 需要特权的命令按配置加上 sudo
func privileged(tools config.ToolsConfig, name string, args ...string) supervisor.Command {
	if !tools.UseSudo {
		return supervisor.Command{Name: name, Args: args}
	}
	return supervisor.Command{Name: tools.Sudo, Args: append([]string{name}, args...)}
}
