package consumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_SameKeyRunsInOrder(t *testing.T) {
	p := NewPool(4, 16)

	var mu sync.Mutex
	got := map[string][]int{}
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("user-%d", i%3)
		require.NoError(t, p.Submit(context.Background(), key, func() {
			mu.Lock()
			got[key] = append(got[key], i)
			mu.Unlock()
		}))
	}
	p.Close()

	for key, seq := range got {
		for j := 1; j < len(seq); j++ {
			assert.Less(t, seq[j-1], seq[j], key)
		}
	}
}

func TestPool_CloseDrainsQueuedTasks(t *testing.T) {
	p := NewPool(2, 8)
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), fmt.Sprint(i), func() {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}))
	}
	p.Close()
	assert.Equal(t, int32(10), ran.Load())
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := NewPool(1, 1)
	p.Close()
	p.Close()
	assert.ErrorIs(t, p.Submit(context.Background(), "k", func() {}), ErrPoolClosed)
}

func TestPool_Backpressure(t *testing.T) {
	p := NewPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(context.Background(), "k", func() {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), "k", func() {}))

	// The worker is busy and its queue is full.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, "k", func() {}), context.DeadlineExceeded)

	close(release)
	p.Close()
}

func TestPool_CloseUnblocksWaitingSubmit(t *testing.T) {
	p := NewPool(1, 0)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "k", func() {
		close(started)
		<-release
	}))
	<-started

	errCh := make(chan error, 1)
	go func() { errCh <- p.Submit(context.Background(), "k", func() {}) }()

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Submit did not return after Close")
	}
	close(release)
	<-closed
}

func TestUserLanes_ReleaseInReservationOrder(t *testing.T) {
	l := newUserLanes()
	first := l.reserve([]string{"u1", "u2"})
	second := l.reserve([]string{"u1"})
	third := l.reserve([]string{"u2"})

	ready := func(tk *ticket) bool {
		select {
		case <-tk.ready:
			return true
		default:
			return false
		}
	}

	assert.True(t, ready(first[0]))
	assert.True(t, ready(first[1]))
	assert.False(t, ready(second[0]))
	assert.False(t, ready(third[0]))

	l.release(first[0])
	assert.True(t, ready(second[0]))
	assert.False(t, ready(third[0]), "u2 is still held by the first event")

	l.release(first[0])
	l.releaseAll(first)
	assert.True(t, ready(third[0]))

	l.releaseAll(second)
	l.releaseAll(third)
	assert.Zero(t, l.size())
}

func TestUserLanes_ReleasingWaiterKeepsHeadBlocking(t *testing.T) {
	l := newUserLanes()
	head := l.reserve([]string{"u1"})
	middle := l.reserve([]string{"u1"})
	tail := l.reserve([]string{"u1"})

	// An abandoned event leaves its lane without waking later ones early.
	l.releaseAll(middle)
	select {
	case <-tail[0].ready:
		t.Fatal("tail became ready before head was released")
	default:
	}

	l.releaseAll(head)
	select {
	case <-tail[0].ready:
	case <-time.After(time.Second):
		t.Fatal("tail not ready after head released")
	}
	l.releaseAll(tail)
	assert.Zero(t, l.size())
}
