package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	s, err := Open("", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, KeyAccounts, []byte(`[{"id":"a"}]`)))
	got, err := s.Get(ctx, KeyAccounts)
	require.NoError(t, err)
	assert.Equal(t, []byte(`[{"id":"a"}]`), got)
}

func TestBoltMissingKey(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)

	ts, err := s.UpdatedAt(context.Background(), "absent")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}

func TestBoltOverwrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, KeySettings, []byte(`{"v":1}`)))
	require.NoError(t, s.Set(ctx, KeySettings, []byte(`{"v":2}`)))

	got, err := s.Get(ctx, KeySettings)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":2}`), got)
}

func TestBoltUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	require.NoError(t, s.Set(ctx, KeyStats, []byte(`{}`)))

	ts, err := s.UpdatedAt(ctx, KeyStats)
	require.NoError(t, err)
	assert.True(t, ts.After(before))
	assert.True(t, ts.Before(time.Now().Add(time.Second)))
}

func TestBufferedCoalesces(t *testing.T) {
	s := openTestStore(t)
	b := NewBuffered(s)
	ctx := context.Background()

	b.SetBuffered(KeyStats, []byte(`{"n":1}`))
	b.SetBuffered(KeyStats, []byte(`{"n":2}`))

	// Nothing persisted until a flush.
	got, err := s.Get(ctx, KeyStats)
	require.NoError(t, err)
	assert.Nil(t, got)

	b.Flush(ctx)
	got, err = s.Get(ctx, KeyStats)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":2}`), got)
}

func TestBufferedFlushEmpties(t *testing.T) {
	s := openTestStore(t)
	b := NewBuffered(s)
	ctx := context.Background()

	b.SetBuffered(KeySessionBindings, []byte(`{}`))
	b.Flush(ctx)

	require.NoError(t, s.Set(ctx, KeySessionBindings, []byte(`{"after":true}`)))
	b.Flush(ctx)

	got, err := s.Get(ctx, KeySessionBindings)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"after":true}`), got)
}
