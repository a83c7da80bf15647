package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkden-lab/relay/internal/events"
	"github.com/darkden-lab/relay/internal/notifications"
)

func event(p events.Payload) events.Event {
	return events.Event{ID: "evt", Type: p.EventType(), OccurredAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Payload: p}
}

func TestMapper_SingleRecipientEvents(t *testing.T) {
	m := NewMapper(nil)
	tests := []struct {
		payload  events.Payload
		users    []string
		category string
	}{
		{&events.UserLogin{UserID: "u1", IP: "10.0.0.1"}, []string{"u1"}, "account"},
		{&events.UserRegistered{UserID: "u1", Username: "ann"}, []string{"u1"}, "account"},
		{&events.GigApplicationReceived{GigID: "g1", PosterID: "p1", ApplicantID: "a1"}, []string{"p1"}, "gig"},
		{&events.ClanMemberJoined{ClanID: "c1", ClanName: "Wolves", UserID: "u1", OwnerID: "o1"}, []string{"u1", "o1"}, "clan"},
		{&events.ClanMemberJoined{ClanID: "c1", ClanName: "Wolves", UserID: "o1", OwnerID: "o1"}, []string{"o1"}, "clan"},
		{&events.ClanMemberLeft{ClanID: "c1", ClanName: "Wolves", UserID: "u1"}, []string{"u1"}, "clan"},
		{&events.CreditGranted{UserID: "u1", Amount: 50, Reason: "referral"}, []string{"u1"}, "credit"},
	}

	for _, tt := range tests {
		t.Run(string(tt.payload.EventType()), func(t *testing.T) {
			intents, err := m.Map(context.Background(), event(tt.payload))
			require.NoError(t, err)

			var users []string
			for _, in := range intents {
				users = append(users, in.UserID)
				assert.Equal(t, tt.category, in.Category)
				assert.NotEmpty(t, in.Title)
				assert.NotEmpty(t, in.Message)
			}
			assert.Equal(t, tt.users, users)
		})
	}
}

func TestMapper_GigCreatedWithoutSubscriptionsIsEmpty(t *testing.T) {
	intents, err := NewMapper(nil).Map(context.Background(), event(&events.GigCreated{GigID: "g", PosterID: "p", Title: "t"}))
	require.NoError(t, err)
	assert.Empty(t, intents)
}

type brokenSubs struct {
	notifications.SubscriptionStore
}

func (brokenSubs) SubscribersFor(context.Context, []string) ([]string, error) {
	return nil, &notifications.TransientStoreError{Op: "subscribers", Err: errors.New("timeout")}
}

func TestMapper_GigCreatedSubscriberLookupFails(t *testing.T) {
	_, err := NewMapper(brokenSubs{}).Map(context.Background(), event(&events.GigCreated{GigID: "g", PosterID: "p", Title: "t"}))
	require.Error(t, err)
	assert.True(t, notifications.IsTransient(err))
}

func TestIntent_Notification(t *testing.T) {
	ev := event(&events.CreditGranted{UserID: "u1", Amount: 5})
	n := Intent{UserID: "u1", Category: "credit", Title: "Credits", Message: "m", Metadata: map[string]string{"amount": "5"}}.Notification(ev)

	assert.Equal(t, "evt", n.SourceEventID)
	assert.Equal(t, "credit.granted", n.EventType)

	var meta map[string]string
	require.NoError(t, json.Unmarshal(n.Metadata, &meta))
	assert.Equal(t, "5", meta["amount"])
	assert.Equal(t, "2025-01-01T00:00:00Z", meta["occurred_at"])
}
