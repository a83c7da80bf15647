package events

import (
	"time"

	"github.com/google/uuid"
)

// Type is the dot-separated event type. It doubles as the bus routing key.
type Type string

const (
	TypeUserLogin              Type = "user.login"
	TypeUserRegistered         Type = "user.registered"
	TypeGigCreated             Type = "gig.created"
	TypeGigApplicationReceived Type = "gig.application.received"
	TypeClanMemberJoined       Type = "clan.member.joined"
	TypeClanMemberLeft         Type = "clan.member.left"
	TypeCreditGranted          Type = "credit.granted"
)

// AllTypes lists every event type the consumer understands.
var AllTypes = []Type{
	TypeUserLogin,
	TypeUserRegistered,
	TypeGigCreated,
	TypeGigApplicationReceived,
	TypeClanMemberJoined,
	TypeClanMemberLeft,
	TypeCreditGranted,
}

// Known reports whether t is one of AllTypes.
func Known(t Type) bool {
	_, ok := payloadFactories[t]
	return ok
}

// Event is an immutable fact published by a domain service. Payload always
// holds the concrete struct registered for Type.
type Event struct {
	ID         string
	Type       Type
	OccurredAt time.Time
	Payload    Payload
}

// New builds an Event with a generated id and the current UTC timestamp.
func New(p Payload) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       p.EventType(),
		OccurredAt: time.Now().UTC(),
		Payload:    p,
	}
}

// RoutingKey is the topic the event is published under.
func (e Event) RoutingKey() string {
	return string(e.Type)
}

// PartitionKey identifies the entity whose events must stay ordered relative
// to each other.
func (e Event) PartitionKey() string {
	if e.Payload == nil {
		return e.ID
	}
	if k := e.Payload.PartitionKey(); k != "" {
		return k
	}
	return e.ID
}
