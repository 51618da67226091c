// Package prompts renders the per-stage system prompts. Built-in templates can be
// overridden by <stage>.tmpl files in a directory, which are reloaded on change.
package prompts

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/c360studio/buildforge/retrieval"
	"github.com/fsnotify/fsnotify"
)

// Ext is the extension of override files.
const Ext = ".tmpl"

const genericName = "generic"

// Data is what a stage template can reference.
type Data struct {
	Stage   string
	Prompt  string
	Memory  []retrieval.Artifact
	Outputs map[string]string
}

// Set holds the parsed templates.
type Set struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	templates map[string]*template.Template
}

// Option configures a Set.
type Option func(*Set)

// WithDir loads overrides from dir.
func WithDir(dir string) Option {
	return func(s *Set) {
		s.dir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Set) {
		s.logger = logger
	}
}

// New parses the built-in templates and any overrides.
func New(opts ...Option) (*Set, error) {
	s := &Set{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// parse registers a placeholder output func; Render binds the real one.
func parse(name, text string) (*template.Template, error) {
	funcs := template.FuncMap{
		"output": func(string) string { return "" },
	}
	return template.New(name).Funcs(funcs).Parse(text)
}

// Reload re-reads the override directory. A template that fails to parse keeps
// the previous version and the error is returned.
func (s *Set) Reload() error {
	templates := make(map[string]*template.Template, len(builtins)+1)
	for name, text := range builtins {
		tmpl, err := parse(name, text)
		if err != nil {
			return fmt.Errorf("parse built-in prompt %s: %w", name, err)
		}
		templates[name] = tmpl
	}
	generic, err := parse(genericName, GenericPrompt)
	if err != nil {
		return fmt.Errorf("parse generic prompt: %w", err)
	}
	templates[genericName] = generic

	var errs []string
	if s.dir != "" {
		entries, err := os.ReadDir(s.dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read prompt dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != Ext {
				continue
			}
			name := strings.TrimSuffix(e.Name(), Ext)
			text, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", e.Name(), err))
				continue
			}
			tmpl, err := parse(name, string(text))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", e.Name(), err))
				s.mu.RLock()
				if prev, ok := s.templates[name]; ok {
					templates[name] = prev
				}
				s.mu.RUnlock()
				continue
			}
			templates[name] = tmpl
			s.logger.Debug("Loaded prompt override", "stage", name, "path", e.Name())
		}
	}

	s.mu.Lock()
	s.templates = templates
	s.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("prompt overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Render returns the system prompt for a stage, falling back to the generic
// template when the stage has none.
func (s *Set) Render(stage string, data Data) (string, error) {
	s.mu.RLock()
	tmpl, ok := s.templates[stage]
	if !ok {
		tmpl = s.templates[genericName]
	}
	s.mu.RUnlock()

	data.Stage = stage
	bound, err := tmpl.Clone()
	if err != nil {
		return "", fmt.Errorf("clone prompt %s: %w", stage, err)
	}
	bound.Funcs(template.FuncMap{
		"output": func(key string) string { return data.Outputs[key] },
	})

	var buf bytes.Buffer
	if err := bound.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", stage, err)
	}
	return strings.TrimSpace(buf.String()) + suffix, nil
}

// Watch reloads the set whenever a file in the override directory changes,
// debouncing bursts of events. It returns when ctx is done.
func (s *Set) Watch(ctx context.Context, debounce time.Duration) error {
	if s.dir == "" {
		return fmt.Errorf("no prompt directory configured")
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	go func() {
		defer w.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Ext(event.Name) != Ext {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Error("Prompt watcher error", "error", err)

			case <-fire:
				fire = nil
				if err := s.Reload(); err != nil {
					s.logger.Warn("Prompt reload failed", "error", err)
				} else {
					s.logger.Info("Prompts reloaded", "dir", s.dir)
				}
			}
		}
	}()

	s.logger.Info("Prompt watcher started", "dir", s.dir, "debounce", debounce)
	return nil
}
