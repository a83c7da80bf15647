package notifications

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DeliveryState records how a notification reached its user.
type DeliveryState string

const (
	DeliveryPending    DeliveryState = "PENDING"
	DeliveryLive       DeliveryState = "DELIVERED_LIVE"
	DeliveryStoredOnly DeliveryState = "STORED_ONLY"
)

// Valid reports whether s is one of the known states.
func (s DeliveryState) Valid() bool {
	switch s {
	case DeliveryPending, DeliveryLive, DeliveryStoredOnly:
		return true
	}
	return false
}

// Notification represents a stored notification for a user. It is derived
// from exactly one source event.
type Notification struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"-"`
	UserID        string          `json:"user_id"`
	SourceEventID string          `json:"source_event_id"`
	EventType     string          `json:"event_type"`
	Category      string          `json:"category"`
	Title         string          `json:"title"`
	Message       string          `json:"message"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ReadAt        *time.Time      `json:"read_at"`
	DeliveryState DeliveryState   `json:"delivery_state"`
}

// Cursor returns the position right after n in its user's sequence.
func (n Notification) Cursor() Cursor {
	return Cursor{CreatedAt: n.CreatedAt, Seq: n.Seq}
}

// Cursor is a position in a user's notification sequence, ordered by creation
// time and then by store sequence number. The zero Cursor precedes everything.
type Cursor struct {
	CreatedAt time.Time
	Seq       int64
}

// IsZero reports whether c is the start-of-sequence cursor.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.Seq == 0
}

// After reports whether c is strictly later than other.
func (c Cursor) After(other Cursor) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.After(other.CreatedAt)
	}
	return c.Seq > other.Seq
}

// String encodes the cursor as an opaque token. The zero cursor encodes to "".
func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + strconv.FormatInt(c.Seq, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func (c Cursor) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Cursor) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCursor(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCursor decodes a token produced by Cursor.String. The empty string is
// the zero cursor.
func ParseCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	nanos, seq, ok := strings.Cut(string(raw), ":")
	if !ok {
		return Cursor{}, fmt.Errorf("invalid cursor: missing separator")
	}
	ns, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor time: %w", err)
	}
	sq, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor sequence: %w", err)
	}
	return Cursor{CreatedAt: time.Unix(0, ns).UTC(), Seq: sq}, nil
}
