package notifications

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store kept in process memory. It backs tests and
// development runs without DATABASE_URL.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int64
	last     time.Time
	byID     map[string]*Notification
	bySource map[string]string // sourceEventID + "\x00" + userID -> id
	byUser   map[string][]*Notification
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		byID:     make(map[string]*Notification),
		bySource: make(map[string]string),
		byUser:   make(map[string][]*Notification),
	}
}

var _ Store = (*MemoryStore)(nil)

// timestamp returns a microsecond-precision creation time that never goes
// backwards, matching what Postgres stores.
func (s *MemoryStore) timestamp() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if t.Before(s.last) {
		t = s.last
	}
	s.last = t
	return t
}

func (s *MemoryStore) UpsertBySourceEvent(_ context.Context, n Notification) (Notification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := n.SourceEventID + "\x00" + n.UserID
	if id, ok := s.bySource[key]; ok {
		return copyNotification(s.byID[id]), false, nil
	}

	s.seq++
	n.ID = uuid.New().String()
	n.Seq = s.seq
	n.CreatedAt = s.timestamp()
	n.ReadAt = nil
	if n.Metadata == nil {
		n.Metadata = json.RawMessage("{}")
	}
	if n.DeliveryState == "" {
		n.DeliveryState = DeliveryPending
	}

	stored := n
	s.byID[n.ID] = &stored
	s.bySource[key] = n.ID
	s.byUser[n.UserID] = append(s.byUser[n.UserID], &stored)
	return copyNotification(&stored), true, nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID string, cursor Cursor, limit int) (Page, error) {
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.byUser[userID]
	// all is append-ordered by (created_at, seq) since timestamps never go
	// backwards.
	start := sort.Search(len(all), func(i int) bool {
		return all[i].Cursor().After(cursor)
	})

	items := make([]Notification, 0, limit)
	for i := start; i < len(all) && len(items) <= limit; i++ {
		items = append(items, copyNotification(all[i]))
	}
	return newPage(items, cursor, limit), nil
}

func (s *MemoryStore) MarkRead(_ context.Context, notificationID, userID string) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[notificationID]
	if !ok || n.UserID != userID {
		return Notification{}, ErrNotFound
	}
	if n.ReadAt == nil {
		t := s.now().UTC().Truncate(time.Microsecond)
		n.ReadAt = &t
	}
	return copyNotification(n), nil
}

func (s *MemoryStore) MarkAllRead(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed int64
	t := s.now().UTC().Truncate(time.Microsecond)
	for _, n := range s.byUser[userID] {
		if n.ReadAt == nil {
			readAt := t
			n.ReadAt = &readAt
			changed++
		}
	}
	return changed, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, n := range s.byUser[userID] {
		if n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) SetDeliveryState(_ context.Context, notificationID string, state DeliveryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[notificationID]
	if !ok {
		return ErrNotFound
	}
	n.DeliveryState = state
	return nil
}

// Get returns a notification by id.
func (s *MemoryStore) Get(notificationID string) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[notificationID]
	if !ok {
		return Notification{}, false
	}
	return copyNotification(n), true
}

// Count returns the number of stored notifications.
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func copyNotification(n *Notification) Notification {
	c := *n
	if n.ReadAt != nil {
		t := *n.ReadAt
		c.ReadAt = &t
	}
	return c
}
