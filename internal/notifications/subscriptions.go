package notifications

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Subscription opts a user in or out of a notification topic such as "gig" or
// "gig:design".
type Subscription struct {
	UserID    string    `json:"user_id"`
	Topic     string    `json:"topic"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubscriptionStore decides who receives broadcast-style events.
type SubscriptionStore interface {
	Set(ctx context.Context, sub Subscription) error
	ListByUser(ctx context.Context, userID string) ([]Subscription, error)
	// SubscribersFor returns the distinct users with an enabled subscription
	// to any of topics, sorted.
	SubscribersFor(ctx context.Context, topics []string) ([]string, error)
}

// PostgresSubscriptionStore provides SubscriptionStore on the subscriptions table.
type PostgresSubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSubscriptionStore creates a new PostgresSubscriptionStore.
func NewPostgresSubscriptionStore(pool *pgxpool.Pool) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{pool: pool}
}

var _ SubscriptionStore = (*PostgresSubscriptionStore)(nil)

// Set creates or updates a subscription using upsert on the unique constraint.
func (s *PostgresSubscriptionStore) Set(ctx context.Context, sub Subscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (user_id, topic, enabled)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, topic) DO UPDATE
		 SET enabled = EXCLUDED.enabled, updated_at = now()`,
		sub.UserID, sub.Topic, sub.Enabled,
	)
	return classify("set subscription", err)
}

// ListByUser returns all subscriptions of a user.
func (s *PostgresSubscriptionStore) ListByUser(ctx context.Context, userID string) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, topic, enabled, updated_at
		 FROM subscriptions WHERE user_id = $1 ORDER BY topic`,
		userID,
	)
	if err != nil {
		return nil, classify("list subscriptions", err)
	}
	defer rows.Close()

	subs := []Subscription{}
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.UserID, &sub.Topic, &sub.Enabled, &sub.UpdatedAt); err != nil {
			return nil, classify("scan subscription", err)
		}
		subs = append(subs, sub)
	}
	return subs, classify("list subscriptions", rows.Err())
}

func (s *PostgresSubscriptionStore) SubscribersFor(ctx context.Context, topics []string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM subscriptions
		 WHERE topic = ANY($1) AND enabled = true ORDER BY user_id`,
		topics,
	)
	if err != nil {
		return nil, classify("subscribers", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan subscriber", err)
		}
		users = append(users, id)
	}
	return users, classify("subscribers", rows.Err())
}

// MemorySubscriptionStore keeps subscriptions in process memory.
type MemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]map[string]Subscription // userID -> topic -> sub
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[string]map[string]Subscription)}
}

var _ SubscriptionStore = (*MemorySubscriptionStore)(nil)

func (s *MemorySubscriptionStore) Set(_ context.Context, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTopic, ok := s.subs[sub.UserID]
	if !ok {
		byTopic = make(map[string]Subscription)
		s.subs[sub.UserID] = byTopic
	}
	sub.UpdatedAt = time.Now().UTC()
	byTopic[sub.Topic] = sub
	return nil
}

func (s *MemorySubscriptionStore) ListByUser(_ context.Context, userID string) ([]Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := []Subscription{}
	for _, sub := range s.subs[userID] {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Topic < subs[j].Topic })
	return subs, nil
}

func (s *MemorySubscriptionStore) SubscribersFor(_ context.Context, topics []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []string
	for userID, byTopic := range s.subs {
		for _, t := range topics {
			if sub, ok := byTopic[t]; ok && sub.Enabled {
				users = append(users, userID)
				break
			}
		}
	}
	sort.Strings(users)
	return users, nil
}
