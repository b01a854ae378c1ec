package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// StatusMappingFile is the on-disk shape of gateway status overrides:
//
//	payment:
//	  settled: paid
//	withdrawal:
//	  returned: rejected
type StatusMappingFile struct {
	Payment    map[string]string `yaml:"payment"`
	Withdrawal map[string]string `yaml:"withdrawal"`
}

// ByKind returns the overrides keyed by transaction kind name
func (f *StatusMappingFile) ByKind() map[string]map[string]string {
	return map[string]map[string]string{
		"payment":    f.Payment,
		"withdrawal": f.Withdrawal,
	}
}

// MappingSink receives a parsed overrides file. Returning an error keeps the previous mapping.
type MappingSink interface {
	ReplaceOverrides(overrides map[string]map[string]string) error
}

// MappingLoader reads the status mapping file and hot-reloads it on change
type MappingLoader struct {
	path   string
	sink   MappingSink
	logger *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewMappingLoader creates a loader and applies the file once
func NewMappingLoader(path string, sink MappingSink, logger *zap.Logger) (*MappingLoader, error) {
	l := &MappingLoader{path: path, sink: sink, logger: logger}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads the file and pushes it to the sink
func (l *MappingLoader) Reload() error {
	file, err := l.load()
	if err != nil {
		return err
	}
	if err := l.sink.ReplaceOverrides(file.ByKind()); err != nil {
		return fmt.Errorf("apply status mapping %s: %w", l.path, err)
	}
	l.logger.Info("Status mapping loaded",
		zap.String("path", l.path),
		zap.Int("payment_overrides", len(file.Payment)),
		zap.Int("withdrawal_overrides", len(file.Withdrawal)))
	return nil
}

// Watch hot-reloads the mapping on write/create events until stop is called.
// A file that fails to parse or validate is logged and the previous mapping stays active.
func (l *MappingLoader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("mapping watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("mapping watcher add %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.watcher = w
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if err := l.Reload(); err != nil {
						l.logger.Warn("Status mapping reload rejected", zap.Error(err))
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("Status mapping watcher error", zap.Error(err))
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

func (l *MappingLoader) load() (*StatusMappingFile, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read status mapping %s: %w", l.path, err)
	}
	var file StatusMappingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse status mapping %s: %w", l.path, err)
	}
	return &file, nil
}
