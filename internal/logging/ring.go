package logging

import (
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/GeminiBizAPI/internal/constant"
)

// ringHook keeps the most recent formatted log lines in memory for the
// /public/log and /admin/logs tails.
type ringHook struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

var globalRing = &ringHook{lines: make([]string, constant.LogRingSize)}

// InstallRingHook attaches the in-memory log tail to the standard logger.
func InstallRingHook() {
	log.AddHook(globalRing)
}

// Levels implements logrus.Hook.
func (h *ringHook) Levels() []log.Level {
	return log.AllLevels
}

// Fire implements logrus.Hook.
func (h *ringHook) Fire(entry *log.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.lines[h.next] = strings.TrimRight(line, "\n")
	h.next = (h.next + 1) % len(h.lines)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
	return nil
}

// Tail returns up to n of the most recent log lines, oldest first.
func Tail(n int) []string {
	return globalRing.tail(n)
}

func (h *ringHook) tail(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	if h.full {
		size = len(h.lines)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]string, 0, n)
	start := h.next - n
	if start < 0 {
		start += len(h.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, h.lines[(start+i)%len(h.lines)])
	}
	return out
}
