package media

import (
	"context"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

// StartSweeper deletes media files older than maxAge every interval until
// ctx is done. Age is judged by mtime, so in-flight writes are never
// victims.
func (h *Handler) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := h.sweepDir(h.imageDir, maxAge) + h.sweepDir(h.videoDir, maxAge)
				if removed > 0 {
					log.Infof("media sweeper removed %d expired files", removed)
				}
			}
		}
	}()
}

func (h *Handler) sweepDir(dir string, maxAge time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Debugf("media sweep read %s: %v", dir, err)
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if errRemove := os.Remove(filepath.Join(dir, entry.Name())); errRemove == nil {
			removed++
		}
	}
	return removed
}
