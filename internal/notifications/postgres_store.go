package notifications

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const notificationColumns = `id, seq, user_id, source_event_id, event_type, category, title, message,
	metadata, created_at, read_at, delivery_state`

// PostgresStore provides the Store operations on the notifications table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

func scanNotification(row pgx.Row) (Notification, error) {
	var n Notification
	var state string
	err := row.Scan(&n.ID, &n.Seq, &n.UserID, &n.SourceEventID, &n.EventType, &n.Category,
		&n.Title, &n.Message, &n.Metadata, &n.CreatedAt, &n.ReadAt, &state)
	n.DeliveryState = DeliveryState(state)
	n.CreatedAt = n.CreatedAt.UTC()
	if n.ReadAt != nil {
		t := n.ReadAt.UTC()
		n.ReadAt = &t
	}
	return n, err
}

// UpsertBySourceEvent inserts n or returns the row already stored for the
// same (source_event_id, user_id). The insert and the fallback select run as
// separate statements so the select sees a row committed by a racing insert.
func (s *PostgresStore) UpsertBySourceEvent(ctx context.Context, n Notification) (Notification, bool, error) {
	if n.Metadata == nil {
		n.Metadata = json.RawMessage("{}")
	}
	if n.DeliveryState == "" {
		n.DeliveryState = DeliveryPending
	}

	stored, err := scanNotification(s.pool.QueryRow(ctx,
		`INSERT INTO notifications (user_id, source_event_id, event_type, category, title, message, metadata, delivery_state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (source_event_id, user_id) DO NOTHING
		 RETURNING `+notificationColumns,
		n.UserID, n.SourceEventID, n.EventType, n.Category, n.Title, n.Message, n.Metadata, string(n.DeliveryState),
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Notification{}, false, classify("upsert notification", err)
	}

	stored, err = scanNotification(s.pool.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE source_event_id = $1 AND user_id = $2`,
		n.SourceEventID, n.UserID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The conflicting row vanished between the two statements; let
			// the caller retry.
			return Notification{}, false, &TransientStoreError{Op: "upsert notification", Err: err}
		}
		return Notification{}, false, classify("load existing notification", err)
	}
	return stored, false, nil
}

// ListForUser returns notifications strictly after cursor ordered by
// (created_at, seq).
func (s *PostgresStore) ListForUser(ctx context.Context, userID string, cursor Cursor, limit int) (Page, error) {
	limit = clampLimit(limit)

	var (
		rows pgx.Rows
		err  error
	)
	if cursor.IsZero() {
		rows, err = s.pool.Query(ctx,
			`SELECT `+notificationColumns+` FROM notifications
			 WHERE user_id = $1
			 ORDER BY created_at, seq LIMIT $2`,
			userID, limit+1,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+notificationColumns+` FROM notifications
			 WHERE user_id = $1 AND (created_at, seq) > ($2, $3)
			 ORDER BY created_at, seq LIMIT $4`,
			userID, cursor.CreatedAt, cursor.Seq, limit+1,
		)
	}
	if err != nil {
		return Page{}, classify("list notifications", err)
	}
	defer rows.Close()

	items := make([]Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return Page{}, classify("scan notification", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return Page{}, classify("list notifications", err)
	}
	return newPage(items, cursor, limit), nil
}

// MarkRead sets read_at on the first call and leaves it untouched afterwards.
func (s *PostgresStore) MarkRead(ctx context.Context, notificationID, userID string) (Notification, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx,
		`UPDATE notifications SET read_at = COALESCE(read_at, now())
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+notificationColumns,
		notificationID, userID,
	))
	if err != nil {
		return Notification{}, classify("mark notification read", err)
	}
	return n, nil
}

// MarkAllRead marks all unread notifications as read for the given user.
func (s *PostgresStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET read_at = now() WHERE user_id = $1 AND read_at IS NULL`,
		userID,
	)
	if err != nil {
		return 0, classify("mark all read", err)
	}
	return tag.RowsAffected(), nil
}

// UnreadCount returns the number of unread notifications for a user.
func (s *PostgresStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, classify("unread count", err)
	}
	return count, nil
}

// SetDeliveryState records how the notification was delivered.
func (s *PostgresStore) SetDeliveryState(ctx context.Context, notificationID string, state DeliveryState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET delivery_state = $2 WHERE id = $1`,
		notificationID, string(state),
	)
	if err != nil {
		return classify("set delivery state", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// newPage trims the look-ahead row fetched to detect More.
func newPage(items []Notification, from Cursor, limit int) Page {
	p := Page{Items: items, NextCursor: from}
	if len(items) > limit {
		p.Items = items[:limit]
		p.More = true
	}
	if len(p.Items) > 0 {
		p.NextCursor = p.Items[len(p.Items)-1].Cursor()
	}
	return p
}
