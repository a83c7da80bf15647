package notifications

import (
	"context"
	"iter"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Page is one slice of a user's notification sequence.
type Page struct {
	Items []Notification `json:"notifications"`
	// NextCursor resumes right after the last item; it equals the request
	// cursor when the page is empty.
	NextCursor Cursor `json:"next_cursor"`
	More       bool   `json:"more"`
}

// Store is the durable record of notifications. Every write is durable before
// the method returns.
type Store interface {
	// UpsertBySourceEvent inserts n unless a notification for the same
	// (SourceEventID, UserID) exists, in which case the existing record is
	// returned unchanged. created reports which case happened.
	UpsertBySourceEvent(ctx context.Context, n Notification) (stored Notification, created bool, err error)

	// ListForUser returns up to limit notifications created strictly after
	// cursor, oldest first.
	ListForUser(ctx context.Context, userID string, cursor Cursor, limit int) (Page, error)

	// MarkRead sets read_at once. Repeated calls keep the first timestamp.
	// ErrNotFound if the notification is not owned by userID.
	MarkRead(ctx context.Context, notificationID, userID string) (Notification, error)

	// MarkAllRead marks every unread notification of the user as read and
	// returns how many changed.
	MarkAllRead(ctx context.Context, userID string) (int64, error)

	UnreadCount(ctx context.Context, userID string) (int, error)

	SetDeliveryState(ctx context.Context, notificationID string, state DeliveryState) error
}

// All returns a lazy sequence over every notification of userID after from,
// fetching pageSize items at a time. Iteration stops at the end of the
// sequence or at the first error. It can be restarted from any Cursor a
// previous iteration yielded.
func All(ctx context.Context, s Store, userID string, from Cursor, pageSize int) iter.Seq2[Notification, error] {
	return func(yield func(Notification, error) bool) {
		cursor := from
		for {
			page, err := s.ListForUser(ctx, userID, cursor, pageSize)
			if err != nil {
				yield(Notification{}, err)
				return
			}
			for _, n := range page.Items {
				if !yield(n, nil) {
					return
				}
			}
			if !page.More {
				return
			}
			cursor = page.NextCursor
		}
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
