package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkden-lab/relay/internal/notifications"
)

type fakePusher struct {
	closed atomic.Int32
	pushed atomic.Int32
}

func (p *fakePusher) Push(context.Context, notifications.Notification) error {
	p.pushed.Add(1)
	return nil
}

func (p *fakePusher) Close() { p.closed.Add(1) }

func cursorAt(sec int, seq int64) notifications.Cursor {
	return notifications.Cursor{CreatedAt: time.Date(2025, 1, 1, 0, 0, sec, 0, time.UTC), Seq: seq}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("u1", "s1", notifications.Cursor{}, &fakePusher{})
	r.Register("u1", "s2", notifications.Cursor{}, &fakePusher{})
	r.Register("u2", "s3", notifications.Cursor{}, &fakePusher{})

	assert.Len(t, r.ActiveSessionsFor("u1"), 2)
	assert.Len(t, r.ActiveSessionsFor("u2"), 1)
	assert.Empty(t, r.ActiveSessionsFor("nobody"))
	assert.Equal(t, 3, r.Count())
}

func TestRegistry_SameSessionIDReplaces(t *testing.T) {
	r := NewRegistry(nil)
	oldPusher := &fakePusher{}
	first, replaced := r.Register("u1", "s1", notifications.Cursor{}, oldPusher)
	assert.Nil(t, replaced)

	second, replaced := r.Register("u1", "s1", cursorAt(5, 1), &fakePusher{})
	require.NotNil(t, replaced)
	assert.Same(t, first, replaced)
	assert.Equal(t, int32(1), oldPusher.closed.Load())

	sessions := r.ActiveSessionsFor("u1")
	require.Len(t, sessions, 1)
	assert.Same(t, second, sessions[0])
	assert.Equal(t, cursorAt(5, 1), sessions[0].LastSeenCursor())
}

func TestRegistry_ReplaceAcrossUsers(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("u1", "s1", notifications.Cursor{}, &fakePusher{})
	r.Register("u2", "s1", notifications.Cursor{}, &fakePusher{})

	assert.Empty(t, r.ActiveSessionsFor("u1"))
	assert.Len(t, r.ActiveSessionsFor("u2"), 1)
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	p := &fakePusher{}
	r.Register("u1", "s1", notifications.Cursor{}, p)

	assert.True(t, r.Unregister("s1"))
	assert.False(t, r.Unregister("s1"))
	assert.False(t, r.Unregister("never-registered"))
	assert.Empty(t, r.ActiveSessionsFor("u1"))
	assert.Equal(t, int32(1), p.closed.Load())
}

func TestRegistry_UnregisterIfIgnoresReplacedInstance(t *testing.T) {
	r := NewRegistry(nil)
	stale, _ := r.Register("u1", "s1", notifications.Cursor{}, &fakePusher{})
	current, _ := r.Register("u1", "s1", notifications.Cursor{}, &fakePusher{})

	assert.False(t, r.UnregisterIf(stale))
	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Same(t, current, got)

	assert.True(t, r.UnregisterIf(current))
	assert.Zero(t, r.Count())
}

func TestRegistry_UpdateCursorMonotonic(t *testing.T) {
	r := NewRegistry(nil)
	s, _ := r.Register("u1", "s1", cursorAt(10, 3), &fakePusher{})

	assert.False(t, r.UpdateCursor("s1", cursorAt(5, 9)))
	assert.Equal(t, cursorAt(10, 3), s.LastSeenCursor())

	assert.False(t, r.UpdateCursor("s1", cursorAt(10, 3)))
	assert.True(t, r.UpdateCursor("s1", cursorAt(10, 4)))
	assert.True(t, r.UpdateCursor("s1", cursorAt(11, 1)))
	assert.Equal(t, cursorAt(11, 1), s.LastSeenCursor())

	assert.False(t, r.UpdateCursor("missing", cursorAt(20, 1)))
}

func TestRegistry_ConcurrentConnectDisconnect(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i%5)
			r.Register("u1", id, notifications.Cursor{}, &fakePusher{})
			r.UpdateCursor(id, cursorAt(i, int64(i)))
			if i%2 == 0 {
				r.Unregister(id)
			}
		}()
	}
	wg.Wait()

	// Every index entry must point back at a registered session.
	for _, s := range r.ActiveSessionsFor("u1") {
		got, ok := r.Get(s.ID)
		require.True(t, ok)
		assert.Same(t, s, got)
	}
	assert.Equal(t, len(r.ActiveSessionsFor("u1")), r.Count())
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry(nil)
	p1, p2 := &fakePusher{}, &fakePusher{}
	r.Register("u1", "s1", notifications.Cursor{}, p1)
	r.Register("u2", "s2", notifications.Cursor{}, p2)

	r.CloseAll()

	assert.Zero(t, r.Count())
	assert.Equal(t, int32(1), p1.closed.Load())
	assert.Equal(t, int32(1), p2.closed.Load())
}

type memoryPresence struct {
	mu      sync.Mutex
	members map[string]map[string]bool
}

func newMemoryPresence() *memoryPresence {
	return &memoryPresence{members: map[string]map[string]bool{}}
}

func (p *memoryPresence) Add(_ context.Context, userID, member string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.members[userID] == nil {
		p.members[userID] = map[string]bool{}
	}
	p.members[userID][member] = true
}

func (p *memoryPresence) Remove(_ context.Context, userID, member string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members[userID], member)
}

func (p *memoryPresence) Members(_ context.Context, userID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for m := range p.members[userID] {
		out = append(out, m)
	}
	return out, nil
}

func TestRegistry_MirrorsPresence(t *testing.T) {
	presence := newMemoryPresence()
	r := NewRegistry(nil, WithPresence(presence, "node-a"))

	r.Register("u1", "s1", notifications.Cursor{}, &fakePusher{})
	r.Register("u1", "s2", notifications.Cursor{}, &fakePusher{})
	members, _ := presence.Members(context.Background(), "u1")
	assert.ElementsMatch(t, []string{"node-a/s1", "node-a/s2"}, members)

	r.Unregister("s1")
	members, _ = presence.Members(context.Background(), "u1")
	assert.Equal(t, []string{"node-a/s2"}, members)
}

// racingPresence runs hook once, just before the first Add is recorded.
type racingPresence struct {
	*memoryPresence
	hook func()
	once sync.Once
}

func (p *racingPresence) Add(ctx context.Context, userID, member string) {
	p.once.Do(p.hook)
	p.memoryPresence.Add(ctx, userID, member)
}

func TestRegistry_PresenceRemovalRacingAddLeavesNoStaleMember(t *testing.T) {
	presence := &racingPresence{memoryPresence: newMemoryPresence()}
	r := NewRegistry(nil, WithPresence(presence, "node-a"))
	presence.hook = func() { r.Unregister("s1") }

	r.Register("u1", "s1", notifications.Cursor{}, &fakePusher{})

	members, _ := presence.Members(context.Background(), "u1")
	assert.Empty(t, members)
	assert.Zero(t, r.Count())
}

// lateRemovePresence runs hook once, just before the first Remove is recorded.
type lateRemovePresence struct {
	*memoryPresence
	hook func()
	once sync.Once
}

func (p *lateRemovePresence) Remove(ctx context.Context, userID, member string) {
	p.once.Do(p.hook)
	p.memoryPresence.Remove(ctx, userID, member)
}

func TestRegistry_LateRemovalKeepsReconnectedSession(t *testing.T) {
	presence := &lateRemovePresence{memoryPresence: newMemoryPresence()}
	r := NewRegistry(nil, WithPresence(presence, "node-a"))
	r.Register("u1", "s1", notifications.Cursor{}, &fakePusher{})

	// The client reconnects with the same session id while the old
	// connection's removal is still in flight.
	presence.hook = func() { r.Register("u1", "s1", notifications.Cursor{}, &fakePusher{}) }
	old, ok := r.Get("s1")
	require.True(t, ok)
	r.UnregisterIf(old)

	members, _ := presence.Members(context.Background(), "u1")
	assert.Equal(t, []string{"node-a/s1"}, members)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_RefreshPresenceRepublishesLiveSessions(t *testing.T) {
	presence := newMemoryPresence()
	r := NewRegistry(nil, WithPresence(presence, "node-a"))
	r.Register("u1", "s1", notifications.Cursor{}, &fakePusher{})
	r.Register("u2", "s2", notifications.Cursor{}, &fakePusher{})

	// Simulate both directory entries lapsing.
	presence.Remove(context.Background(), "u1", "node-a/s1")
	presence.Remove(context.Background(), "u2", "node-a/s2")

	r.RefreshPresence()
	m1, _ := presence.Members(context.Background(), "u1")
	m2, _ := presence.Members(context.Background(), "u2")
	assert.Equal(t, []string{"node-a/s1"}, m1)
	assert.Equal(t, []string{"node-a/s2"}, m2)

	assert.NotPanics(t, NewRegistry(nil).RefreshPresence)
}
