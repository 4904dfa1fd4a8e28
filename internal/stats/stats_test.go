package stats

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/GeminiBizAPI/internal/constant"
)

func TestRecord(t *testing.T) {
	c := NewCollector(nil, nil)
	c.Record("gemini-2.5-flash", true)
	c.Record("gemini-2.5-flash", false)
	c.Record("gemini-2.5-pro", true)

	snap := c.Get()
	assert.EqualValues(t, 3, snap.TotalRequests)
	assert.EqualValues(t, 2, snap.SuccessRequests)
	assert.EqualValues(t, 1, snap.FailedRequests)
	assert.EqualValues(t, 2, snap.ModelCounts["gemini-2.5-flash"])
	assert.EqualValues(t, 1, snap.ModelCounts["gemini-2.5-pro"])
	assert.Len(t, snap.RequestTimes, 3)
	assert.NotZero(t, snap.LastSuccess)
}

func TestRequestTimesBounded(t *testing.T) {
	c := NewCollector(nil, nil)
	for i := 0; i < constant.StatsRingSize+25; i++ {
		c.Record("m", true)
	}
	assert.Len(t, c.Get().RequestTimes, constant.StatsRingSize)
}

func TestReset(t *testing.T) {
	c := NewCollector(nil, nil)
	c.Record("m", true)
	started := c.Get().StartedAt

	c.Reset()
	snap := c.Get()
	assert.Zero(t, snap.TotalRequests)
	assert.Empty(t, snap.ModelCounts)
	assert.Empty(t, snap.RequestTimes)
	assert.Equal(t, started, snap.StartedAt)
}

func TestSeedFromDocument(t *testing.T) {
	doc, err := json.Marshal(Snapshot{
		TotalRequests:   10,
		SuccessRequests: 8,
		FailedRequests:  2,
		ModelCounts:     map[string]int64{"m": 10},
		StartedAt:       1,
	})
	require.NoError(t, err)

	c := NewCollector(nil, doc)
	snap := c.Get()
	assert.EqualValues(t, 10, snap.TotalRequests)
	assert.EqualValues(t, 10, snap.ModelCounts["m"])
	// StartedAt always reflects this process, not the persisted one.
	assert.NotEqual(t, int64(1), snap.StartedAt)
}

func TestSeedFromGarbage(t *testing.T) {
	c := NewCollector(nil, []byte("{broken"))
	assert.Zero(t, c.Get().TotalRequests)
}

func TestGetReturnsCopy(t *testing.T) {
	c := NewCollector(nil, nil)
	c.Record("m", true)

	snap := c.Get()
	snap.ModelCounts["m"] = 99
	assert.EqualValues(t, 1, c.Get().ModelCounts["m"])
}
