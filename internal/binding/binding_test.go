package binding

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndGet(t *testing.T) {
	m := NewManager()
	m.Set("chat-1", "acc-1", "sess-1")

	rec, ok := m.Get("chat-1")
	require.True(t, ok)
	assert.Equal(t, "acc-1", rec.AccountID)
	assert.Equal(t, "sess-1", rec.SessionID)
	assert.NotZero(t, rec.CreatedAt)
}

func TestSetKeepsSessionForSameAccount(t *testing.T) {
	m := NewManager()
	m.Set("chat-1", "acc-1", "sess-1")
	m.Set("chat-1", "acc-1", "")

	rec, ok := m.Get("chat-1")
	require.True(t, ok)
	assert.Equal(t, "sess-1", rec.SessionID)
}

func TestSetClearsSessionOnAccountSwitch(t *testing.T) {
	m := NewManager()
	m.Set("chat-1", "acc-1", "sess-1")
	m.Set("chat-1", "acc-2", "")

	rec, ok := m.Get("chat-1")
	require.True(t, ok)
	assert.Equal(t, "acc-2", rec.AccountID)
	assert.Empty(t, rec.SessionID)
}

func TestSetPreservesCreatedAt(t *testing.T) {
	m := NewManager()
	m.Set("chat-1", "acc-1", "sess-1")
	first, _ := m.Get("chat-1")
	m.Set("chat-1", "acc-1", "sess-2")
	second, _ := m.Get("chat-1")
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestResetSession(t *testing.T) {
	m := NewManager()
	m.Set("chat-1", "acc-1", "sess-1")
	require.True(t, m.ResetSession("chat-1"))

	rec, ok := m.Get("chat-1")
	require.True(t, ok)
	assert.Equal(t, "acc-1", rec.AccountID)
	assert.Empty(t, rec.SessionID)

	assert.False(t, m.ResetSession("missing"))
}

func TestRemove(t *testing.T) {
	m := NewManager()
	m.Set("chat-1", "acc-1", "sess-1")
	m.Remove("chat-1")
	_, ok := m.Get("chat-1")
	assert.False(t, ok)
}

func TestRemoveByAccount(t *testing.T) {
	m := NewManager()
	m.Set("chat-1", "acc-1", "s1")
	m.Set("chat-2", "acc-1", "s2")
	m.Set("chat-3", "acc-2", "s3")

	assert.Equal(t, 2, m.RemoveByAccount("acc-1"))
	assert.Equal(t, 1, m.Len())
	_, ok := m.Get("chat-3")
	assert.True(t, ok)
}

func TestTTLEviction(t *testing.T) {
	m := NewManager()
	m.ttl = time.Second

	doc, err := json.Marshal(map[string]*Record{
		"stale": {AccountID: "acc-1", SessionID: "s", CreatedAt: float64(time.Now().Add(-time.Hour).Unix())},
		"live":  {AccountID: "acc-2", SessionID: "s", CreatedAt: float64(time.Now().Unix())},
	})
	require.NoError(t, err)
	require.NoError(t, m.Load(doc))

	_, ok := m.Get("stale")
	assert.False(t, ok)
	_, ok = m.Get("live")
	assert.True(t, ok)
}

func TestLazyTTLEvictionOnGet(t *testing.T) {
	m := NewManager()
	m.Set("chat-1", "acc-1", "s")
	m.entries["chat-1"].CreatedAt = float64(time.Now().Add(-8 * 24 * time.Hour).Unix())

	_, ok := m.Get("chat-1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestOverflowEvictsOldestTenth(t *testing.T) {
	m := NewManager()
	m.maxEntries = 100

	for i := 0; i < 100; i++ {
		chatID := fmt.Sprintf("chat-%03d", i)
		m.Set(chatID, "acc", "s")
		// Monotonic ages, oldest first.
		m.entries[chatID].CreatedAt = float64(1700000000 + i)
	}
	m.Set("chat-overflow", "acc", "s")

	// 101 entries exceeded the cap, dropping the oldest 10%.
	assert.Equal(t, 91, m.Len())
	_, ok := m.Get("chat-000")
	assert.False(t, ok)
	_, ok = m.Get("chat-099")
	assert.True(t, ok)
	_, ok = m.Get("chat-overflow")
	assert.True(t, ok)
}

func TestSnapshotDirtyTracking(t *testing.T) {
	m := NewManager()
	_, dirty := m.snapshot()
	assert.False(t, dirty)

	m.Set("chat-1", "acc-1", "s")
	doc, dirty := m.snapshot()
	require.True(t, dirty)
	assert.Contains(t, string(doc), "acc-1")

	_, dirty = m.snapshot()
	assert.False(t, dirty)
}

func TestLoadRoundTrip(t *testing.T) {
	m := NewManager()
	m.Set("chat-1", "acc-1", "sess-1")
	doc, dirty := m.snapshot()
	require.True(t, dirty)

	m2 := NewManager()
	require.NoError(t, m2.Load(doc))
	rec, ok := m2.Get("chat-1")
	require.True(t, ok)
	assert.Equal(t, "acc-1", rec.AccountID)
	assert.Equal(t, "sess-1", rec.SessionID)
}
