// SPDX-License-Identifier: Apache-2.0

package skills

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Watcher polls the skills root for manifest changes and refreshes the
// registry when any SKILL.md is added, removed, or rewritten.
type Watcher struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a watcher over registry's root. interval must be
// positive.
func NewWatcher(registry *Registry, interval time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		registry: registry,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start records the current manifest fingerprint as the baseline and
// launches the polling loop in a goroutine. Changes made after Start
// returns are detected on a later tick.
func (w *Watcher) Start() {
	last := w.fingerprint()
	go w.run(last)
}

// Stop terminates the polling loop and waits for it to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watcher) run(last string) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			current := w.fingerprint()
			if current == last {
				continue
			}
			last = current
			if _, err := w.registry.Refresh(); err != nil {
				w.logger.Error("skills refresh failed, keeping prior snapshot",
					slog.String("error", err.Error()),
				)
				continue
			}
			w.logger.Info("skills registry refreshed",
				slog.Int("skills", w.registry.Snapshot().Len()),
			)
		}
	}
}

// fingerprint summarizes manifest paths and mod times under the root.
func (w *Watcher) fingerprint() string {
	var out string
	_ = filepath.WalkDir(w.registry.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() != ManifestFilename {
			return nil
		}
		info, serr := os.Stat(path)
		if serr != nil {
			return nil
		}
		out += path + "|" + info.ModTime().String() + ";"
		return nil
	})
	return out
}
