package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/hitzhangjie/dbgcore/pkg/logflags"
	"github.com/hitzhangjie/dbgcore/pkg/runstate"
)

// Store 会话配置
//
// The decoded settings, the exception ranges among them, are cleared and
// rebuilt from viper on every change. viper is not safe for concurrent use,
// every access to it goes through mu.
type Store struct {
	sections *runstate.Sections

	mu      sync.Mutex
	v       *viper.Viper
	watcher *fsnotify.Watcher

	settings Settings
}

// NewStore decodes v once. The store is guarded by the exceptions section.
func NewStore(sections *runstate.Sections, v *viper.Viper) (*Store, error) {
	s := &Store{sections: sections, v: v}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rebuilds the settings from viper. On error the previous settings
// stay in place.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *Store) reloadLocked() error {
	settings, err := Load(s.v)
	if err != nil {
		return err
	}

	defer s.sections.Exclusive(runstate.LockExceptions)()
	s.settings = *settings
	return nil
}

// Watch re-reads the config file in use and reloads the store whenever it
// changes on disk, until Close.
func (s *Store) Watch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := s.v.ConfigFileUsed()
	if file == "" {
		return fmt.Errorf("watch config: no config file in use")
	}
	if s.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	// editors replace the file, watch its directory
	if err := w.Add(filepath.Dir(file)); err != nil {
		w.Close()
		return fmt.Errorf("watch config %s: %w", file, err)
	}
	s.watcher = w
	go s.watch(w, filepath.Clean(file))
	return nil
}

func (s *Store) watch(w *fsnotify.Watcher, file string) {
	log := logflags.DebuggerLogger()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != file || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.reloadFile(); err != nil {
				log.Errorf("reload %s: %v", file, err)
				continue
			}
			log.Debugf("config reloaded from %s", file)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Errorf("watch %s: %v", file, err)
		}
	}
}

func (s *Store) reloadFile() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.v.ReadInConfig(); err != nil {
		return err
	}
	return s.reloadLocked()
}

// Close stops watching the config file.
func (s *Store) Close() error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if w == nil {
		return nil
	}
	return w.Close()
}

// Settings returns a copy of the current settings.
func (s *Store) Settings() Settings {
	defer s.sections.Shared(runstate.LockExceptions)()
	out := s.settings
	out.Ignore = append([]ExceptionRange(nil), s.settings.Ignore...)
	return out
}

// Events returns the current event policies.
func (s *Store) Events() Events {
	defer s.sections.Shared(runstate.LockExceptions)()
	return s.settings.Events
}

// IsIgnored reports whether code falls in one of the ignored ranges.
func (s *Store) IsIgnored(code uint32) bool {
	defer s.sections.Shared(runstate.LockExceptions)()
	for _, r := range s.settings.Ignore {
		if r.Contains(code) {
			return true
		}
	}
	return false
}

// Set changes key and rebuilds the settings.
func (s *Store) Set(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(key, value)
}

func (s *Store) setLocked(key string, value interface{}) error {
	old := s.v.Get(key)
	s.v.Set(key, value)
	if err := s.reloadLocked(); err != nil {
		s.v.Set(key, old)
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetEvent turns one events.* policy on or off.
func (s *Store) SetEvent(key string, on bool) error {
	if !IsEventKey(key) {
		return fmt.Errorf("unknown event setting %q", key)
	}
	return s.Set(key, on)
}

// AddIgnore appends r to exceptions.ignore.
func (s *Store) AddIgnore(r ExceptionRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.v.GetStringSlice(KeyExceptionsIgnore), r.String())
	return s.setLocked(KeyExceptionsIgnore, list)
}

// ClearIgnore empties exceptions.ignore.
func (s *Store) ClearIgnore() error {
	return s.Set(KeyExceptionsIgnore, []string{})
}
