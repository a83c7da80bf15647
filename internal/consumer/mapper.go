package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/darkden-lab/relay/internal/events"
	"github.com/darkden-lab/relay/internal/notifications"
)

// Intent is a notification the consumer wants stored for one user.
type Intent struct {
	UserID   string
	Category string
	Title    string
	Message  string
	Metadata map[string]string
}

// Notification turns the intent into a store record for ev.
func (i Intent) Notification(ev events.Event) notifications.Notification {
	meta := map[string]string{"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339)}
	for k, v := range i.Metadata {
		meta[k] = v
	}
	raw, _ := json.Marshal(meta) //nolint:errcheck // map[string]string always marshals
	return notifications.Notification{
		UserID:        i.UserID,
		SourceEventID: ev.ID,
		EventType:     string(ev.Type),
		Category:      i.Category,
		Title:         i.Title,
		Message:       i.Message,
		Metadata:      raw,
	}
}

// Mapper derives notification intents from events. Broadcast events resolve
// their audience through the subscription store.
type Mapper struct {
	subs notifications.SubscriptionStore
}

// NewMapper creates a Mapper. subs may be nil, in which case broadcast events
// produce no intents.
func NewMapper(subs notifications.SubscriptionStore) *Mapper {
	return &Mapper{subs: subs}
}

// Map returns the intents for ev. An error means the audience could not be
// resolved and the event should be retried.
func (m *Mapper) Map(ctx context.Context, ev events.Event) ([]Intent, error) {
	switch p := ev.Payload.(type) {
	case *events.UserLogin:
		meta := map[string]string{}
		if p.IP != "" {
			meta["ip"] = p.IP
		}
		if p.UserAgent != "" {
			meta["user_agent"] = p.UserAgent
		}
		return []Intent{{
			UserID:   p.UserID,
			Category: "account",
			Title:    "New login",
			Message:  "A new login to your account was detected.",
			Metadata: meta,
		}}, nil

	case *events.UserRegistered:
		return []Intent{{
			UserID:   p.UserID,
			Category: "account",
			Title:    "Welcome",
			Message:  fmt.Sprintf("Welcome aboard, %s!", p.Username),
		}}, nil

	case *events.GigCreated:
		return m.gigCreated(ctx, p)

	case *events.GigApplicationReceived:
		title := p.GigTitle
		if title == "" {
			title = "your gig"
		}
		return []Intent{{
			UserID:   p.PosterID,
			Category: "gig",
			Title:    "New application",
			Message:  fmt.Sprintf("You received a new application for %s.", title),
			Metadata: map[string]string{"gig_id": p.GigID, "applicant_id": p.ApplicantID},
		}}, nil

	case *events.ClanMemberJoined:
		meta := map[string]string{"clan_id": p.ClanID}
		intents := []Intent{{
			UserID:   p.UserID,
			Category: "clan",
			Title:    "Joined clan",
			Message:  fmt.Sprintf("You joined %s.", p.ClanName),
			Metadata: meta,
		}}
		if p.OwnerID != "" && p.OwnerID != p.UserID {
			intents = append(intents, Intent{
				UserID:   p.OwnerID,
				Category: "clan",
				Title:    "New clan member",
				Message:  fmt.Sprintf("A new member joined %s.", p.ClanName),
				Metadata: map[string]string{"clan_id": p.ClanID, "member_id": p.UserID},
			})
		}
		return intents, nil

	case *events.ClanMemberLeft:
		intents := []Intent{{
			UserID:   p.UserID,
			Category: "clan",
			Title:    "Left clan",
			Message:  fmt.Sprintf("You left %s.", p.ClanName),
			Metadata: map[string]string{"clan_id": p.ClanID},
		}}
		if p.OwnerID != "" && p.OwnerID != p.UserID {
			intents = append(intents, Intent{
				UserID:   p.OwnerID,
				Category: "clan",
				Title:    "Member left",
				Message:  fmt.Sprintf("A member left %s.", p.ClanName),
				Metadata: map[string]string{"clan_id": p.ClanID, "member_id": p.UserID},
			})
		}
		return intents, nil

	case *events.CreditGranted:
		msg := fmt.Sprintf("You received %d credits.", p.Amount)
		if p.Reason != "" {
			msg = fmt.Sprintf("You received %d credits: %s.", p.Amount, p.Reason)
		}
		return []Intent{{
			UserID:   p.UserID,
			Category: "credit",
			Title:    "Credits received",
			Message:  msg,
			Metadata: map[string]string{"amount": strconv.FormatInt(p.Amount, 10)},
		}}, nil
	}
	return nil, nil
}

func (m *Mapper) gigCreated(ctx context.Context, p *events.GigCreated) ([]Intent, error) {
	if m.subs == nil {
		return nil, nil
	}
	topics := []string{"gig"}
	if p.Category != "" {
		topics = append(topics, "gig:"+p.Category)
	}
	users, err := m.subs.SubscribersFor(ctx, topics)
	if err != nil {
		return nil, fmt.Errorf("resolve gig subscribers: %w", err)
	}

	intents := make([]Intent, 0, len(users))
	for _, userID := range users {
		if userID == p.PosterID {
			continue
		}
		intents = append(intents, Intent{
			UserID:   userID,
			Category: "gig",
			Title:    "New gig posted",
			Message:  p.Title,
			Metadata: map[string]string{"gig_id": p.GigID, "poster_id": p.PosterID, "category": p.Category},
		})
	}
	return intents, nil
}
