package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
)

// LaunchError 外部程序无法启动（不存在或无权限）
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// NotFound 可执行文件不存在
func (e *LaunchError) NotFound() bool {
	return errors.Is(e.Err, exec.ErrNotFound) || errors.Is(e.Err, fs.ErrNotExist)
}

// PermissionDenied 没有执行权限
func (e *LaunchError) PermissionDenied() bool {
	return errors.Is(e.Err, fs.ErrPermission)
}

// StreamError 读取输出时的意外错误
type StreamError struct {
	Stream Stream
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Stream, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}
