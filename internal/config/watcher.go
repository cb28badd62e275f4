package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coachpo/meltica-trader/internal/observability"
)

// Watcher polls a config file and emits each new valid revision.
// Files that fail to parse or validate are logged and skipped; the last
// good configuration stays in force.
type Watcher struct {
	path     string
	interval time.Duration
	updates  chan AppConfig
	lastHash [sha256.Size]byte
}

// NewWatcher watches path. The content present now is the baseline and is not re-emitted.
func NewWatcher(path string, interval time.Duration) (*Watcher, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "." {
		return nil, fmt.Errorf("config watcher: path required")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w := &Watcher{path: path, interval: interval, updates: make(chan AppConfig, 1)}
	if raw, err := os.ReadFile(path); err == nil { // #nosec G304 -- path is operator controlled.
		w.lastHash = sha256.Sum256(raw)
	}
	return w, nil
}

// Updates delivers validated revisions. Only the newest pending revision is kept.
func (w *Watcher) Updates() <-chan AppConfig { return w.updates }

// Run polls until ctx is done, then closes Updates.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.updates)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cfg, ok := w.Check(); ok {
				w.offer(cfg)
			}
		}
	}
}

// Check reads the file once and returns a new revision when the content
// changed and validates.
func (w *Watcher) Check() (AppConfig, bool) {
	raw, err := os.ReadFile(w.path) // #nosec G304 -- path is operator controlled.
	if err != nil {
		observability.Log().Error("config reload read failed",
			observability.Field{Key: "path", Value: w.path},
			observability.Field{Key: "error", Value: err.Error()})
		return AppConfig{}, false
	}
	sum := sha256.Sum256(raw)
	if sum == w.lastHash {
		return AppConfig{}, false
	}
	w.lastHash = sum
	cfg, err := Parse(raw)
	if err != nil {
		observability.Log().Error("config reload rejected",
			observability.Field{Key: "path", Value: w.path},
			observability.Field{Key: "error", Value: err.Error()})
		return AppConfig{}, false
	}
	observability.Log().Info("config reloaded", observability.Field{Key: "path", Value: w.path})
	return cfg, true
}

func (w *Watcher) offer(cfg AppConfig) {
	for {
		select {
		case w.updates <- cfg:
			return
		default:
		}
		select {
		case <-w.updates:
		default:
		}
	}
}
