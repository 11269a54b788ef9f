package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"vmservice/internal/logger"
)

// DefaultDebounce coalesces the burst of events editors produce on save.
const DefaultDebounce = 200 * time.Millisecond

// FileWatcher calls onChange after a file is written or replaced. The
// parent directory is watched so atomic renames are seen.
type FileWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func()
	debounce time.Duration

	mu      sync.Mutex
	running bool
	timer   *time.Timer
	stop    chan struct{}
	done    chan struct{}
}

// NewFileWatcher creates a watcher for path.
func NewFileWatcher(path string, onChange func()) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &FileWatcher{
		path:     path,
		watcher:  w,
		onChange: onChange,
		debounce: DefaultDebounce,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce changes the quiet period before onChange fires. It must be
// called before Start.
func (fw *FileWatcher) SetDebounce(d time.Duration) {
	fw.debounce = d
}

// Start begins watching.
func (fw *FileWatcher) Start() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.running {
		return nil
	}
	if err := fw.watcher.Add(filepath.Dir(fw.path)); err != nil {
		return err
	}
	fw.running = true

	log := logger.WithComponent("file-watcher")

	log.Info().Str("path", fw.path).Msg("Started watching file")
	go fw.watch()
	return nil
}

// Stop ends watching and waits for the event loop to exit. A pending
// debounced callback is dropped.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return nil
	}
	fw.running = false
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.mu.Unlock()

	close(fw.stop)
	err := fw.watcher.Close()
	<-fw.done
	return err
}

// IsRunning returns whether the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) watch() {
	defer close(fw.done)
	log := logger.WithComponent("file-watcher")
	name := filepath.Base(fw.path)

	for {
		select {
		case <-fw.stop:
			log.Info().Str("path", fw.path).Msg("File watcher stopped")
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug().Str("path", fw.path).Str("event", event.Op.String()).Msg("File changed")
			fw.schedule()

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("path", fw.path).Msg("File watcher error")
		}
	}
}

func (fw *FileWatcher) schedule() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if !fw.running || fw.onChange == nil {
		return
	}
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, fw.fire)
}

func (fw *FileWatcher) fire() {
	fw.mu.Lock()
	running := fw.running
	fw.mu.Unlock()
	if !running {
		return
	}
	log := logger.WithComponent("file-watcher")
	log.Info().Str("path", fw.path).Msg("File changed, reloading")
	fw.onChange()
}

// NewLoggingWatcher reloads Logging.json on change and hands the result to
// callback. Parse errors keep the current logger.
func NewLoggingWatcher(path string, callback func(*logger.Config)) (*FileWatcher, error) {
	return NewFileWatcher(path, func() {
		log := logger.WithComponent("logging-watcher")
		lc, err := LoadLogging(path)
		if err != nil {
			log.Error().Err(err).Msg("Failed to reload logging configuration")
			return
		}
		if callback != nil {
			callback(lc)
		}
	})
}
