package consumer

import (
	"slices"
	"sync"
)

// ticket is one event's place in a user's lane.
type ticket struct {
	user  string
	ready chan struct{}
	done  bool
}

// wait blocks until every earlier ticket for the same user is released.
func (t *ticket) wait() { <-t.ready }

// userLanes orders work per recipient. Tickets are reserved in the order
// events are accepted and become ready one at a time per user, whichever
// worker ends up running them.
type userLanes struct {
	mu    sync.Mutex
	lanes map[string][]*ticket
}

func newUserLanes() *userLanes {
	return &userLanes{lanes: make(map[string][]*ticket)}
}

// reserve appends one ticket per entry of users, in order. The same user may
// appear more than once.
func (l *userLanes) reserve(users []string) []*ticket {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*ticket, len(users))
	for i, user := range users {
		t := &ticket{user: user, ready: make(chan struct{})}
		lane := l.lanes[user]
		if len(lane) == 0 {
			close(t.ready)
		}
		l.lanes[user] = append(lane, t)
		out[i] = t
	}
	return out
}

// release removes t from its lane and wakes the next ticket. Releasing twice
// is a no-op.
func (l *userLanes) release(t *ticket) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t.done {
		return
	}
	t.done = true

	lane := l.lanes[t.user]
	i := slices.Index(lane, t)
	if i < 0 {
		return
	}
	lane = slices.Delete(lane, i, i+1)
	if len(lane) == 0 {
		delete(l.lanes, t.user)
		return
	}
	if i == 0 {
		close(lane[0].ready)
	}
	l.lanes[t.user] = lane
}

func (l *userLanes) releaseAll(tickets []*ticket) {
	for _, t := range tickets {
		l.release(t)
	}
}

func (l *userLanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
