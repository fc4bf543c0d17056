package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// DefaultGracePeriod SIGTERM 之后等待进程退出的时间
const DefaultGracePeriod = 3 * time.Second

const maxLineSize = 1024 * 1024

// Command 外部命令
type Command struct {
	Name string
	Args []string
	Env  []string
	Dir  string
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Options 启动参数
type Options struct {
	GracePeriod time.Duration
	// Lines 通道缓冲大小
	LineBuffer int
	Logger     *zap.Logger
}

// Stream 输出流
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line 一行输出
type Line struct {
	Stream Stream
	Text   string
}

// State 进程状态
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateKilled  State = "killed"
	StateFailed  State = "failed"
)

// Status 进程状态快照
type Status struct {
	State    State  `json:"state"`
	ExitCode int    `json:"exitCode"`
	Reason   string `json:"reason,omitempty"`
}

// Success 正常退出且退出码为 0
func (s Status) Success() bool {
	return s.State == StateExited && s.ExitCode == 0
}

func (s Status) String() string {
	switch s.State {
	case StateExited:
		return fmt.Sprintf("exited with code %d", s.ExitCode)
	case StateKilled:
		if s.Reason != "" {
			return "killed (" + s.Reason + ")"
		}
		return "killed"
	case StateFailed:
		return "failed: " + s.Reason
	default:
		return string(s.State)
	}
}

// Process 受监管的外部进程
type Process struct {
	command Command
	cmd     *exec.Cmd
	grace   time.Duration
	logger  *zap.Logger

	lines chan Line
	// 读端，进程退出后超时未读完时强制关闭
	readers []*os.File

	cancelled atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once

	exited      chan struct{}
	readersDone chan struct{}
	done        chan struct{}

	mu        sync.RWMutex
	status    Status
	streamErr error
	signalled bool
}

// Start 启动外部命令，stdout 与 stderr 分别捕获
// ctx 结束时进程会被停止
func Start(ctx context.Context, command Command, opts Options) (*Process, error) {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.LineBuffer <= 0 {
		opts.LineBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	path, err := exec.LookPath(command.Name)
	if err != nil {
		return nil, &LaunchError{Command: command.Name, Err: err}
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	cmd := exec.Command(path, command.Args...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			_ = f.Close()
		}
		return nil, &LaunchError{Command: command.Name, Err: err}
	}
	// 子进程已持有写端
	_ = stdoutW.Close()
	_ = stderrW.Close()

	p := &Process{
		command:     command,
		cmd:         cmd,
		grace:       opts.GracePeriod,
		logger:      opts.Logger.With(zap.String("command", command.Name), zap.Int("pid", cmd.Process.Pid)),
		lines:       make(chan Line, opts.LineBuffer),
		readers:     []*os.File{stdoutR, stderrR},
		exited:      make(chan struct{}),
		readersDone: make(chan struct{}),
		done:        make(chan struct{}),
		status:      Status{State: StateRunning},
	}
	p.logger.Debug("process started", zap.Strings("args", command.Args))

	var wg conc.WaitGroup
	wg.Go(func() { p.read(Stdout, stdoutR) })
	wg.Go(func() { p.read(Stderr, stderrR) })
	go func() {
		if r := wg.WaitAndRecover(); r != nil {
			p.setStreamErr(&StreamError{Stream: Stdout, Err: r.AsError()})
		}
		close(p.lines)
		close(p.readersDone)
	}()

	go p.reap()
	go p.finish()
	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.done:
		}
	}()

	return p, nil
}

// read 逐行读取，取消后不再开始新的读取
func (p *Process) read(stream Stream, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for {
		if p.cancelled.Load() {
			return
		}
		if !sc.Scan() {
			break
		}
		p.lines <- Line{Stream: stream, Text: sc.Text()}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.setStreamErr(&StreamError{Stream: stream, Err: err})
		p.logger.Warn("stream read failed", zap.String("stream", string(stream)), zap.Error(err))
		// 读取失败不算用户取消
		p.shutdown()
	}
}

func (p *Process) reap() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.status = p.exitStatus(err)
	p.mu.Unlock()

	close(p.exited)
}

func (p *Process) exitStatus(err error) Status {
	if err == nil {
		return Status{State: StateExited, ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Status{State: StateFailed, ExitCode: -1, Reason: err.Error()}
	}
	if sig, ok := terminatedBySignal(exitErr); ok {
		return Status{State: StateKilled, ExitCode: -1, Reason: sig}
	}
	if p.signalled && exitErr.ExitCode() < 0 {
		return Status{State: StateKilled, ExitCode: -1}
	}
	return Status{State: StateExited, ExitCode: exitErr.ExitCode()}
}

// finish 进程退出后等待读端排空，超时则强制关闭读端
func (p *Process) finish() {
	<-p.exited
	select {
	case <-p.readersDone:
	case <-time.After(p.grace):
		// 孙进程可能仍持有写端
		p.logger.Debug("output not drained after exit, closing pipes")
		p.closeReaders()
		<-p.readersDone
	}
	p.closeReaders()

	p.mu.Lock()
	if p.streamErr != nil && !p.cancelled.Load() {
		p.status = Status{State: StateFailed, ExitCode: p.status.ExitCode, Reason: p.streamErr.Error()}
	}
	st := p.status
	p.mu.Unlock()

	p.logger.Debug("process finished", zap.String("status", st.String()))
	close(p.done)
}

func (p *Process) closeReaders() {
	p.closeOnce.Do(func() {
		for _, f := range p.readers {
			_ = f.Close()
		}
	})
}

func (p *Process) setStreamErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.streamErr == nil {
		p.streamErr = err
	}
}

// Stop 请求终止：先 SIGTERM，超过宽限期后 SIGKILL，可重复调用
func (p *Process) Stop() {
	p.cancelled.Store(true)
	p.shutdown()
}

func (p *Process) shutdown() {
	p.stopOnce.Do(func() {
		go p.terminate()
	})
}

func (p *Process) terminate() {
	select {
	case <-p.exited:
		return
	default:
	}

	p.mu.Lock()
	p.signalled = true
	p.mu.Unlock()

	if err := terminateGroup(p.cmd.Process); err != nil {
		p.logger.Debug("send terminate signal failed", zap.Error(err))
	}

	select {
	case <-p.exited:
		return
	case <-time.After(p.grace):
	}

	p.logger.Warn("process ignored terminate signal, killing", zap.Duration("grace", p.grace))
	if err := killGroup(p.cmd.Process); err != nil {
		p.logger.Debug("send kill signal failed", zap.Error(err))
	}
}

// Lines 输出行序列，进程退出且输出读尽后关闭，调用方必须读到关闭为止
func (p *Process) Lines() <-chan Line {
	return p.lines
}

// Done 进程退出且输出排空后关闭
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait 等待进程结束并返回最终状态
func (p *Process) Wait() Status {
	<-p.done
	return p.Status()
}

// Status 当前状态
func (p *Process) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Err 读取输出时遇到的错误，类型为 *StreamError
func (p *Process) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.streamErr
}

// Cancelled 是否已请求停止
func (p *Process) Cancelled() bool {
	return p.cancelled.Load()
}

// Pid 进程号
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Command 启动命令
func (p *Process) Command() Command {
	return p.command
}

// ProcStats 进程资源占用
type ProcStats struct {
	Pid        int     `json:"pid"`
	CPUPercent float64 `json:"cpuPercent"`
	RSS        uint64  `json:"rss"`
}

// Stats 读取进程资源占用
func (p *Process) Stats(ctx context.Context) (ProcStats, error) {
	stats := ProcStats{Pid: p.Pid()}
	proc, err := process.NewProcessWithContext(ctx, int32(p.Pid()))
	if err != nil {
		return stats, fmt.Errorf("inspect process %d: %w", p.Pid(), err)
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSS = mem.RSS
	}
	return stats, nil
}
