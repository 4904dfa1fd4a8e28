package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher monitors the configuration file and invokes a reload callback when
// its content changes. Editors that replace the file (rename + create) are
// handled by re-adding the watch path.
type Watcher struct {
	configPath     string
	reloadCallback func(*Config)
	watcher        *fsnotify.Watcher
	lastConfigHash string
}

// NewWatcher creates a new config file watcher instance.
func NewWatcher(configPath string, reloadCallback func(*Config)) (*Watcher, error) {
	watcher, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	w := &Watcher{
		configPath:     configPath,
		reloadCallback: reloadCallback,
		watcher:        watcher,
	}
	w.lastConfigHash = w.hashFile()
	return w, nil
}

// Start begins watching the configuration file until the context is done.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.configPath); err != nil {
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)

	go func() {
		defer func() {
			_ = w.watcher.Close()
		}()
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
				log.Errorf("config watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.EqualFold(event.Name, w.configPath) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	if event.Op&fsnotify.Rename != 0 {
		// The file was replaced; re-arm the watch after the editor settles.
		time.Sleep(100 * time.Millisecond)
		_ = w.watcher.Add(w.configPath)
	}

	hash := w.hashFile()
	if hash == "" || hash == w.lastConfigHash {
		return
	}
	w.lastConfigHash = hash

	cfg, err := LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config: %v", err)
		return
	}
	log.Infof("config file changed, reloading")
	w.reloadCallback(cfg)
}

func (w *Watcher) hashFile() string {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
