package events

import (
	"errors"
	"strings"
)

// Payload is the type-specific part of an Event. The set of implementations
// is closed: one struct per Type.
type Payload interface {
	EventType() Type
	Validate() error
	PartitionKey() string
	sealed()
}

var payloadFactories = map[Type]func() Payload{
	TypeUserLogin:              func() Payload { return &UserLogin{} },
	TypeUserRegistered:         func() Payload { return &UserRegistered{} },
	TypeGigCreated:             func() Payload { return &GigCreated{} },
	TypeGigApplicationReceived: func() Payload { return &GigApplicationReceived{} },
	TypeClanMemberJoined:       func() Payload { return &ClanMemberJoined{} },
	TypeClanMemberLeft:         func() Payload { return &ClanMemberLeft{} },
	TypeCreditGranted:          func() Payload { return &CreditGranted{} },
}

type UserLogin struct {
	UserID    string `json:"userId"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

func (*UserLogin) EventType() Type        { return TypeUserLogin }
func (p *UserLogin) PartitionKey() string { return p.UserID }
func (*UserLogin) sealed()                {}

func (p *UserLogin) Validate() error {
	return required(field{"userId", p.UserID})
}

type UserRegistered struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

func (*UserRegistered) EventType() Type        { return TypeUserRegistered }
func (p *UserRegistered) PartitionKey() string { return p.UserID }
func (*UserRegistered) sealed()                {}

func (p *UserRegistered) Validate() error {
	return required(field{"userId", p.UserID}, field{"username", p.Username})
}

type GigCreated struct {
	GigID    string `json:"gigId"`
	PosterID string `json:"posterId"`
	Title    string `json:"title"`
	Category string `json:"category,omitempty"`
}

func (*GigCreated) EventType() Type        { return TypeGigCreated }
func (p *GigCreated) PartitionKey() string { return p.GigID }
func (*GigCreated) sealed()                {}

func (p *GigCreated) Validate() error {
	return required(field{"gigId", p.GigID}, field{"posterId", p.PosterID}, field{"title", p.Title})
}

type GigApplicationReceived struct {
	GigID       string `json:"gigId"`
	GigTitle    string `json:"gigTitle"`
	PosterID    string `json:"posterId"`
	ApplicantID string `json:"applicantId"`
}

func (*GigApplicationReceived) EventType() Type        { return TypeGigApplicationReceived }
func (p *GigApplicationReceived) PartitionKey() string { return p.PosterID }
func (*GigApplicationReceived) sealed()                {}

func (p *GigApplicationReceived) Validate() error {
	return required(
		field{"gigId", p.GigID},
		field{"posterId", p.PosterID},
		field{"applicantId", p.ApplicantID},
	)
}

type ClanMemberJoined struct {
	ClanID   string `json:"clanId"`
	ClanName string `json:"clanName"`
	UserID   string `json:"userId"`
	OwnerID  string `json:"ownerId,omitempty"`
}

func (*ClanMemberJoined) EventType() Type        { return TypeClanMemberJoined }
func (p *ClanMemberJoined) PartitionKey() string { return p.ClanID }
func (*ClanMemberJoined) sealed()                {}

func (p *ClanMemberJoined) Validate() error {
	return required(field{"clanId", p.ClanID}, field{"clanName", p.ClanName}, field{"userId", p.UserID})
}

type ClanMemberLeft struct {
	ClanID   string `json:"clanId"`
	ClanName string `json:"clanName"`
	UserID   string `json:"userId"`
	OwnerID  string `json:"ownerId,omitempty"`
}

func (*ClanMemberLeft) EventType() Type        { return TypeClanMemberLeft }
func (p *ClanMemberLeft) PartitionKey() string { return p.ClanID }
func (*ClanMemberLeft) sealed()                {}

func (p *ClanMemberLeft) Validate() error {
	return required(field{"clanId", p.ClanID}, field{"clanName", p.ClanName}, field{"userId", p.UserID})
}

type CreditGranted struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

func (*CreditGranted) EventType() Type        { return TypeCreditGranted }
func (p *CreditGranted) PartitionKey() string { return p.UserID }
func (*CreditGranted) sealed()                {}

func (p *CreditGranted) Validate() error {
	if err := required(field{"userId", p.UserID}); err != nil {
		return err
	}
	if p.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

type field struct {
	name  string
	value string
}

func required(fields ...field) error {
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return errors.New("missing required field(s): " + strings.Join(missing, ", "))
	}
	return nil
}
