package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Follow 跟踪文件追加的内容并逐行回调，文件被轮转或重建后从头读取
// 从文件当前末尾开始，ctx 结束后返回
func Follow(ctx context.Context, logger *zap.Logger, path string, fn func(line string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// 监听目录，文件重建时也能收到事件
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	t := &tail{path: path, fn: fn}
	defer t.close()
	if err := t.open(true); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				t.close()
				if err := t.open(false); err != nil {
					logger.Debug("reopen followed file failed", zap.String("path", path), zap.Error(err))
					continue
				}
				t.drain()
			case ev.Has(fsnotify.Write):
				if t.file == nil {
					if err := t.open(false); err != nil {
						continue
					}
				}
				t.drain()
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				t.close()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("file watcher error", zap.String("path", path), zap.Error(err))
		}
	}
}

type tail struct {
	path    string
	fn      func(line string)
	file    *os.File
	reader  *bufio.Reader
	partial string
}

func (t *tail) open(seekEnd bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	if seekEnd {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return err
		}
	}
	t.file = f
	t.reader = bufio.NewReader(f)
	t.partial = ""
	return nil
}

func (t *tail) close() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
		t.reader = nil
	}
}

// drain 读出所有完整的行，不完整的行留到下次
func (t *tail) drain() {
	if t.reader == nil {
		return
	}
	for {
		chunk, err := t.reader.ReadString('\n')
		if err != nil {
			t.partial += chunk
			return
		}
		line := strings.TrimRight(t.partial+chunk, "\r\n")
		t.partial = ""
		if line != "" {
			t.fn(line)
		}
	}
}
