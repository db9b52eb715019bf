// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tlsman

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher republishes the manager's context when the certificate or key
// file changes on disk. Events are debounced because certificate renewal
// tooling usually rewrites both files back to back.
type Watcher struct {
	manager  *Manager
	certFile string
	keyFile  string
	opts     ContextOptions

	watcher *fsnotify.Watcher

	stopSyn chan struct{}
	stopAck chan struct{}
}

const watcherDebounce = 500 * time.Millisecond

// NewWatcher starts watching the directories holding the credential
// files. Watching directories instead of the files themselves survives
// the rename-into-place pattern used by renewal tools.
func NewWatcher(manager *Manager, certFile, keyFile string, opts ContextOptions) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dirs := map[string]struct{}{
		filepath.Dir(certFile): {},
		filepath.Dir(keyFile):  {},
	}
	for dir := range dirs {
		if err := fsWatcher.Add(dir); err != nil {
			_ = fsWatcher.Close()
			return nil, err
		}
	}

	w := &Watcher{
		manager:  manager,
		certFile: certFile,
		keyFile:  keyFile,
		opts:     opts,
		watcher:  fsWatcher,
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}
	go w.handler()

	return w, nil
}

func (w *Watcher) handler() {
	defer close(w.stopAck)

	var pending *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.stopSyn:
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event.Name) {
				continue
			}
			log.WithFields(log.Fields{
				"file": event.Name,
				"op":   event.Op,
			}).Debug("TLS credential file changed")

			if pending == nil {
				pending = time.NewTimer(watcherDebounce)
				fire = pending.C
			} else {
				pending.Reset(watcherDebounce)
			}

		case <-fire:
			pending, fire = nil, nil
			if err := w.manager.Reload(w.certFile, w.keyFile, w.opts); err != nil {
				log.WithError(err).Warn("TLS reload from file watcher failed")
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("TLS credential watcher error")
		}
	}
}

func (w *Watcher) relevant(name string) bool {
	return name == w.certFile || name == w.keyFile ||
		filepath.Base(name) == filepath.Base(w.certFile) ||
		filepath.Base(name) == filepath.Base(w.keyFile)
}

// Close stops the watcher and waits for its goroutine to finish.
func (w *Watcher) Close() {
	close(w.stopSyn)
	<-w.stopAck
}
