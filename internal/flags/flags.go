// Package flags holds the runtime feature switches. Values come from a YAML
// file that is re-read whenever it changes on disk.
package flags

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Flags are the feature switches consulted on every call.
type Flags struct {
	RuleEngine bool `yaml:"rule_engine" json:"rule_engine"`
	Toasts     bool `yaml:"toasts" json:"toasts"`
	AIBadges   bool `yaml:"ai_badges" json:"ai_badges"`
}

// Defaults is used when no flag file exists.
func Defaults() Flags {
	return Flags{RuleEngine: true, Toasts: true, AIBadges: false}
}

// Parse decodes a flag file. Keys that are absent keep their defaults.
func Parse(data []byte) (Flags, error) {
	f := Defaults()
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Flags{}, fmt.Errorf("parse flags: %w", err)
	}
	return f, nil
}

// Source is the live view of the flags.
type Source struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Flags]
	changed func(Flags)
}

// NewSource starts with defaults; call Load to read path. An empty path
// means flags only change through Set.
func NewSource(path string, logger *slog.Logger) *Source {
	s := &Source{path: path, logger: logger.With("component", "flags.source")}
	d := Defaults()
	s.current.Store(&d)
	return s
}

// Static returns a source pinned to f.
func Static(f Flags) *Source {
	s := &Source{logger: slog.New(slog.DiscardHandler)}
	s.current.Store(&f)
	return s
}

// OnChange registers a callback fired after every successful reload or Set.
// Not safe to call concurrently with Watch.
func (s *Source) OnChange(fn func(Flags)) {
	s.changed = fn
}

// Load reads the flag file. A missing file resets to defaults.
func (s *Source) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.Set(Defaults())
		return nil
	}
	if err != nil {
		return fmt.Errorf("read flags: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return err
	}
	s.Set(f)
	return nil
}

// Get returns the current flags.
func (s *Source) Get() Flags {
	return *s.current.Load()
}

// Set overrides the flags until the next file change.
func (s *Source) Set(f Flags) {
	prev := s.current.Swap(&f)
	if prev != nil && *prev == f {
		return
	}
	s.logger.Info("flags updated", "rule_engine", f.RuleEngine, "toasts", f.Toasts, "ai_badges", f.AIBadges)
	if s.changed != nil {
		s.changed(f)
	}
}

func (s *Source) RuleEngineEnabled() bool { return s.Get().RuleEngine }
func (s *Source) ToastsEnabled() bool     { return s.Get().Toasts }
func (s *Source) AIBadgesEnabled() bool   { return s.Get().AIBadges }

// Watch reloads the file whenever it is written, created, renamed or
// removed, until ctx is done. The parent directory is watched so editors
// that replace the file atomically are picked up.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create flag watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create flag dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				if err := s.Load(); err != nil {
					s.logger.Warn("reload flags failed, keeping previous values", "error", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("flag watcher error", "error", err)
		}
	}
}
