package xquery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigCallback 在配置文件变更并重新加载后调用。
// err 非 nil 时 cfg 为 nil，调用方应保留旧配置。
type ConfigCallback func(cfg *Config, err error)

// ConfigWatcher 监视配置文件变更并重新加载。
type ConfigWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	callback ConfigCallback
	debounce time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu    sync.Mutex
	timer *time.Timer // debounce 定时器，Stop() 时需要取消
}

// DefaultWatchDebounce 配置监视的默认防抖时间。
const DefaultWatchDebounce = 100 * time.Millisecond

// WatchConfig 监视配置文件，变更时重新加载并调用 callback。
//
// 监视的是文件所在目录而非文件本身：编辑器保存时可能先删除再创建，
// 或写临时文件后 rename，直接监视文件会丢失事件。
// debounce ≤ 0 时使用 DefaultWatchDebounce。
// 返回的 ConfigWatcher 已在后台运行，使用 Stop 停止。
//
// 与 Client 配合使用：
//
//	w, err := xquery.WatchConfig(path, func(cfg *xquery.Config, err error) {
//	    if err == nil {
//	        _ = client.ApplyConfig(cfg)
//	    }
//	}, 0)
func WatchConfig(path string, callback ConfigCallback, debounce time.Duration) (*ConfigWatcher, error) {
	if _, err := detectFormat(path); err != nil {
		return nil, err
	}
	if callback == nil {
		return nil, fmt.Errorf("%w: nil config callback", ErrInvalidConfig)
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("xquery: failed to create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsWatcher.Add(dir); err != nil {
		closeErr := fsWatcher.Close()
		return nil, errors.Join(
			fmt.Errorf("xquery: failed to watch directory %s: %w", dir, err),
			closeErr,
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &ConfigWatcher{
		path:     path,
		watcher:  fsWatcher,
		callback: callback,
		debounce: debounce,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Stop 停止监视并等待后台 goroutine 退出。可重复调用。
func (w *ConfigWatcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	select {
	case <-w.ctx.Done():
		<-w.done
		return nil
	default:
	}
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *ConfigWatcher) run() {
	defer close(w.done)
	filename := filepath.Base(w.path)
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event, filename)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.callback(nil, fmt.Errorf("xquery: watch error: %w", err))
		}
	}
}

func (w *ConfigWatcher) handleEvent(event fsnotify.Event, filename string) {
	if filepath.Base(event.Name) != filename {
		return
	}
	// Write: 直接修改；Create: 部分编辑器新建文件；Rename: 原子写入（写临时文件后 rename）
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if w.ctx.Err() != nil {
			return
		}
		cfg, err := LoadConfig(w.path)
		w.callback(cfg, err)
	})
}
