package cfg

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watcher 监听配置文件变更
// 监听文件所在目录，编辑器的 rename/create 写法同样能触发回调
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	mu       sync.RWMutex
	onChange []func(path string) error
	onError  func(err error)
	once     sync.Once
	done     chan struct{}
}

func NewWatcher(path string) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("file path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "invalid file path")
	}
	return &Watcher{path: absPath, done: make(chan struct{})}, nil
}

func (w *Watcher) Path() string {
	return w.path
}

// OnChange 注册回调，Watch 之前或之后调用都可以
func (w *Watcher) OnChange(fn func(path string) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// OnError 回调返回的错误以及监听错误都交给 fn
func (w *Watcher) OnError(fn func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = fn
}

func (w *Watcher) Watch() error {
	var initErr error
	w.once.Do(func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			initErr = errors.Wrap(err, "failed to create file watcher")
			return
		}
		if err := watcher.Add(filepath.Dir(w.path)); err != nil {
			watcher.Close()
			initErr = errors.Wrap(err, "failed to add directory to watcher")
			return
		}

		w.mu.Lock()
		w.watcher = watcher
		w.mu.Unlock()

		go w.loop(watcher)
	})
	return initErr
}

func (w *Watcher) loop(watcher *fsnotify.Watcher) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			w.mu.RLock()
			handlers := make([]func(string) error, len(w.onChange))
			copy(handlers, w.onChange)
			w.mu.RUnlock()

			for _, handler := range handlers {
				if err := handler(w.path); err != nil {
					w.reportError(err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.reportError(errors.Wrap(err, "watch config failed"))
		}
	}
}

func (w *Watcher) reportError(err error) {
	w.mu.RLock()
	fn := w.onError
	w.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-w.done
	return err
}
