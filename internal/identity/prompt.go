// Package identity keeps the agent's system prompt in sync with an
// identity file on disk.
package identity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPrompt is used when no identity file exists.
const DefaultPrompt = "You are OpenIntent, an assistant that completes tasks by calling tools. " +
	"Prefer tools over guessing, explain failures plainly and keep answers short."

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Prompt is the current system prompt. Reads are concurrent; a single
// watcher goroutine is the only writer after Watch.
type Prompt struct {
	path     string
	fallback string
	debounce time.Duration
	logger   *slog.Logger
	onChange func(string)

	mu       sync.RWMutex
	text     string
	loadedAt time.Time

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Prompt.
type Option func(*Prompt)

// WithFallback replaces DefaultPrompt.
func WithFallback(text string) Option {
	return func(p *Prompt) { p.fallback = text }
}

// WithDebounce sets the reload delay after a file event.
func WithDebounce(d time.Duration) Option {
	return func(p *Prompt) {
		if d > 0 {
			p.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Prompt) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// OnChange registers a callback run after every reload that changed the text.
func OnChange(fn func(string)) Option {
	return func(p *Prompt) { p.onChange = fn }
}

// New creates a prompt backed by path. An empty path always yields the
// fallback prompt.
func New(path string, opts ...Option) *Prompt {
	p := &Prompt{
		path:     path,
		fallback: DefaultPrompt,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			p.path = abs
		}
	}
	p.text = p.fallback
	return p
}

// Path returns the identity file path.
func (p *Prompt) Path() string { return p.path }

// Text returns the current prompt.
func (p *Prompt) Text() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.text
}

// LoadedAt returns when the file was last read successfully.
func (p *Prompt) LoadedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loadedAt
}

// Load reads the identity file. A missing or blank file restores the
// fallback prompt.
func (p *Prompt) Load() error {
	text := p.fallback
	if p.path != "" {
		data, err := os.ReadFile(p.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return fmt.Errorf("read identity file: %w", err)
		default:
			if trimmed := strings.TrimSpace(string(data)); trimmed != "" {
				text = trimmed
			}
		}
	}

	p.mu.Lock()
	changed := p.text != text
	p.text = text
	p.loadedAt = time.Now()
	p.mu.Unlock()

	if changed && p.onChange != nil {
		p.onChange(text)
	}
	return nil
}

// Watch reloads the prompt whenever the identity file changes. The parent
// directory is watched so editors that replace the file are handled.
func (p *Prompt) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	if p.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(p.path), err)
	}
	watchCtx, cancel := context.WithCancel(ctx)
	p.watcher = watcher
	p.cancel = cancel
	p.wg.Add(1)
	go p.watchLoop(watchCtx, watcher)
	return nil
}

func (p *Prompt) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.wg.Done()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(p.debounce, func() {
			if err := p.Load(); err != nil {
				p.logger.Warn("identity reload failed", "path", p.path, "error", err)
				return
			}
			p.logger.Info("identity reloaded", "path", p.path)
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("identity watch error", "error", err)
		}
	}
}

// Close stops the watcher.
func (p *Prompt) Close() error {
	p.watchMu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	watcher := p.watcher
	p.watcher = nil
	p.watchMu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	p.wg.Wait()
	return err
}
