// Package watch turns files dropped into a trigger directory into
// workflow runs. Each trigger is a small JSON file naming a pipeline
// and a work item; processed files are removed so a trigger fires once.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hochfrequenz/runforge/internal/domain"
	"github.com/rs/zerolog"
)

// TriggerFunc starts a run for a pipeline and work item
type TriggerFunc func(pipeline, itemRef string, tier domain.ModelTier) (string, error)

// triggerFile is the JSON layout of a dropped trigger
type triggerFile struct {
	Pipeline string `json:"pipeline"`
	Item     string `json:"item"`
	Tier     string `json:"tier"`
}

// Watcher monitors a directory for trigger files
type Watcher struct {
	dir     string
	trigger TriggerFunc
	watcher *fsnotify.Watcher
	log     zerolog.Logger

	// settle delays processing after the last write so half-written
	// files are not parsed
	settle time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer

	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// New creates a watcher for the given trigger directory, creating the
// directory if needed
func New(dir string, trigger TriggerFunc, log zerolog.Logger) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating trigger dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	return &Watcher{
		dir:     dir,
		trigger: trigger,
		watcher: fsw,
		log:     log.With().Str("component", "watch").Logger(),
		settle:  200 * time.Millisecond,
		pending: make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}, nil
}

// SetSettle adjusts the write settle delay
func (w *Watcher) SetSettle(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.settle = d
}

// Start processes triggers already present in the directory, then
// watches for new ones until the context is cancelled or Stop is called
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.started = true

	entries, err := os.ReadDir(w.dir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
				w.schedule(filepath.Join(w.dir, e.Name()))
			}
		}
	}

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn().Err(err).Msg("watch error")
			}
		}
	}()
}

// Stop stops the watcher and waits for the event loop to exit. It is
// safe to call on a watcher that was never started.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
	if w.started {
		<-w.done
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	w.schedule(event.Name)
}

// schedule arms (or re-arms) the settle timer for a trigger file
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.process(path)
	})
}

func (w *Watcher) process(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn().Err(err).Str("file", path).Msg("reading trigger")
		}
		return
	}

	var tf triggerFile
	if err := json.Unmarshal(data, &tf); err != nil {
		w.log.Warn().Err(err).Str("file", path).Msg("malformed trigger, ignoring")
		w.discard(path)
		return
	}
	if tf.Pipeline == "" || tf.Item == "" {
		w.log.Warn().Str("file", path).Msg("trigger missing pipeline or item, ignoring")
		w.discard(path)
		return
	}

	runID, err := w.trigger(tf.Pipeline, tf.Item, domain.ModelTier(tf.Tier))
	if err != nil {
		w.log.Error().Err(err).Str("file", path).Str("pipeline", tf.Pipeline).Msg("trigger rejected")
		w.discard(path)
		return
	}

	w.log.Info().Str("run_id", runID).Str("pipeline", tf.Pipeline).Str("item", tf.Item).
		Msg("run triggered from drop file")
	w.discard(path)
}

// discard removes a consumed or rejected trigger file
func (w *Watcher) discard(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.log.Warn().Err(err).Str("file", path).Msg("removing trigger file")
	}
}
