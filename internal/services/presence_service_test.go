package services

import (
	"context"
	"testing"
	"time"

	"go-imsync/internal/store/memstore"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T) (*PresenceTracker, *memstore.Presence, *fakeClock) {
	t.Helper()
	clock := newFakeClock(base)
	store := memstore.NewPresence()
	p := NewPresenceTracker("me", store, clock, 60*time.Second, 10*time.Second, 120*time.Second, zerolog.Nop())
	t.Cleanup(p.Stop)
	return p, store, clock
}

func TestPresenceOnlineWindow(t *testing.T) {
	ctx := context.Background()
	p, store, clock := newTracker(t)
	require.NoError(t, store.Heartbeat(ctx, "bob", base))

	p.Track(ctx, "bob")
	at, ok := p.LastSeen("bob")
	require.True(t, ok)
	assert.Equal(t, base, at)
	assert.True(t, p.IsOnline("bob"))

	clock.Advance(119 * time.Second)
	assert.True(t, p.IsOnline("bob"))
	clock.Advance(time.Second)
	assert.False(t, p.IsOnline("bob"))

	assert.False(t, p.IsOnline("nobody"))
}

func TestPresenceUpdatesCoalesced(t *testing.T) {
	p, _, clock := newTracker(t)
	var flushed [][]string
	p.OnChange(func(ids []string) { flushed = append(flushed, ids) })
	p.Start()

	p.Observe("bob", base.Add(time.Second))
	p.Observe("bob", base.Add(3*time.Second))
	p.Observe("bob", base.Add(2*time.Second))
	_, ok := p.LastSeen("bob")
	assert.False(t, ok, "not visible before the coalescing tick")

	clock.Advance(10 * time.Second)
	at, ok := p.LastSeen("bob")
	require.True(t, ok)
	assert.Equal(t, base.Add(3*time.Second), at)
	require.Len(t, flushed, 1)

	clock.Advance(10 * time.Second)
	assert.Len(t, flushed, 1, "no change, no flush callback")
}

func TestPresenceSubscriptionFeedsFlush(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTracker(t)
	p.Track(ctx, "bob")
	require.NoError(t, store.Heartbeat(ctx, "bob", base.Add(5*time.Second)))

	require.Eventually(t, func() bool {
		p.Flush()
		at, ok := p.LastSeen("bob")
		return ok && at.Equal(base.Add(5*time.Second))
	}, time.Second, 5*time.Millisecond)

	p.Untrack("bob")
	require.NoError(t, store.Heartbeat(ctx, "bob", base.Add(9*time.Second)))
	time.Sleep(20 * time.Millisecond)
	p.Flush()
	at, _ := p.LastSeen("bob")
	assert.Equal(t, base.Add(5*time.Second), at)
}

func TestHeartbeatWhileForeground(t *testing.T) {
	ctx := context.Background()
	p, store, clock := newTracker(t)

	p.SetForeground(ctx, true)
	at, err := store.LastSeen(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, base, at)

	clock.Advance(60 * time.Second)
	at, _ = store.LastSeen(ctx, "me")
	assert.Equal(t, base.Add(60*time.Second), at)

	p.SetForeground(ctx, false)
	clock.Advance(120 * time.Second)
	at, _ = store.LastSeen(ctx, "me")
	assert.Equal(t, base.Add(60*time.Second), at)
}
