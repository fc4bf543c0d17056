package supervisor

import (
	"context"
)

// Handle 受监管进程的句柄
type Handle interface {
	Lines() <-chan Line
	Stop()
	Wait() Status
	Cancelled() bool
	// Err 读取输出失败时返回 *StreamError
	Err() error
	Pid() int
	Stats(ctx context.Context) (ProcStats, error)
}

// Launcher 启动外部命令
type Launcher interface {
	Launch(ctx context.Context, command Command) (Handle, error)
}

// ProcessLauncher 使用 Start 启动真实进程
type ProcessLauncher struct {
	Options Options
}

func NewProcessLauncher(opts Options) *ProcessLauncher {
	return &ProcessLauncher{Options: opts}
}

func (l *ProcessLauncher) Launch(ctx context.Context, command Command) (Handle, error) {
	p, err := Start(ctx, command, l.Options)
	if err != nil {
		return nil, err
	}
	return p, nil
}
