package advisory

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// Writer publishes snapshots atomically: readers see either the previous
// file or the new one, never a partial write.
type Writer struct {
	path    string
	limiter *rate.Limiter

	mu        sync.Mutex
	lastBatch uint64
}

// NewWriter writes to path at most once per minInterval. Zero disables pacing.
func NewWriter(path string, minInterval time.Duration) (*Writer, error) {
	if path == "" {
		return nil, fmt.Errorf("advisory writer: path required")
	}
	w := &Writer{path: filepath.Clean(path)}
	if minInterval > 0 {
		w.limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return w, nil
}

// Write stores snap unless its batch was already written or the writer is
// inside its pacing window. It reports whether the file changed.
func (w *Writer) Write(snap Snapshot) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if snap.Batch <= w.lastBatch {
		return false, nil
	}
	if w.limiter != nil && !w.limiter.Allow() {
		return false, nil
	}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return false, fmt.Errorf("advisory writer: encode snapshot: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(w.path), ".snapshot-*.json")
	if err != nil {
		return false, fmt.Errorf("advisory writer: create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	if _, err := tempFile.Write(raw); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return false, fmt.Errorf("advisory writer: write temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return false, fmt.Errorf("advisory writer: close temp file: %w", err)
	}
	if err := os.Rename(tempPath, w.path); err != nil {
		_ = os.Remove(tempPath)
		return false, fmt.Errorf("advisory writer: persist %q: %w", w.path, err)
	}
	w.lastBatch = snap.Batch
	return true, nil
}
