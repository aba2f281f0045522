// Package artifact watches a secondary file for integrity changes. A hash or
// size mismatch is informational only: it is logged and reported, never
// acted on by recovery.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Status describes the artifact at the time of the last check.
type Status struct {
	Size    int64
	ModTime time.Time
	SHA256  string
}

// Watcher compares the artifact against its baseline each cycle. fsnotify
// marks the file dirty between cycles so unchanged files skip re-hashing.
type Watcher struct {
	path string

	mu       sync.Mutex
	baseline Status
	dirty    bool

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher hashes the artifact to establish the baseline and starts
// listening for filesystem change hints on its directory.
func NewWatcher(path string) (*Watcher, error) {
	baseline, err := stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", path, err)
	}

	w := &Watcher{
		path:     path,
		baseline: baseline,
		done:     make(chan struct{}),
	}

	// Watch the parent directory: editors and deploy tools typically
	// replace files by rename, which drops a watch on the file itself.
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if err := fsw.Add(filepath.Dir(path)); err == nil {
			w.fsw = fsw
			go w.consume()
		} else {
			fsw.Close()
		}
	}
	// fsnotify is an optimization only; without it every Check re-hashes

	return w, nil
}

func (w *Watcher) consume() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name == w.path {
				w.mu.Lock()
				w.dirty = true
				w.mu.Unlock()
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// on watcher errors, fall back to hashing every cycle
			w.mu.Lock()
			w.dirty = true
			w.mu.Unlock()
		}
	}
}

// Check compares the artifact against the baseline. On mismatch it returns
// changed=true with a detail map for the incident report and resets the
// baseline so the change is reported once.
func (w *Watcher) Check() (changed bool, detail map[string]string, err error) {
	w.mu.Lock()
	dirty := w.dirty || w.fsw == nil
	w.dirty = false
	baseline := w.baseline
	w.mu.Unlock()

	if !dirty {
		// cheap stat guard: catch changes fsnotify missed
		info, err := os.Stat(w.path)
		if err != nil {
			return false, nil, fmt.Errorf("failed to stat artifact: %w", err)
		}
		if info.Size() == baseline.Size && info.ModTime().Equal(baseline.ModTime) {
			return false, nil, nil
		}
	}

	current, err := stat(w.path)
	if err != nil {
		return false, nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	if current.SHA256 == baseline.SHA256 && current.Size == baseline.Size {
		w.mu.Lock()
		w.baseline = current // refresh mtime so the stat guard stays quiet
		w.mu.Unlock()
		return false, nil, nil
	}

	w.mu.Lock()
	w.baseline = current
	w.mu.Unlock()

	return true, map[string]string{
		"artifact":      w.path,
		"previous_size": strconv.FormatInt(baseline.Size, 10),
		"current_size":  strconv.FormatInt(current.Size, 10),
		"previous_hash": baseline.SHA256,
		"current_hash":  current.SHA256,
	}, nil
}

// Close stops the change listener.
func (w *Watcher) Close() error {
	close(w.done)
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}

func stat(path string) (Status, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Status{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Status{}, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Status{}, err
	}
	return Status{
		Size:    info.Size(),
		ModTime: info.ModTime(),
		SHA256:  hex.EncodeToString(h.Sum(nil)),
	}, nil
}
