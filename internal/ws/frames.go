package ws

import "github.com/darkden-lab/relay/internal/notifications"

// State is the protocol state of one connection.
type State string

const (
	StateConnecting State = "CONNECTING"
	StateHandshake  State = "HANDSHAKE"
	StateLive       State = "LIVE"
	StateClosed     State = "CLOSED"
)

// Server -> client frame types.
const (
	FrameConnection   = "connection"
	FrameNotification = "notification"
	FramePong         = "pong"
)

// Client -> server frame types.
const (
	FramePing      = "ping"
	FrameSubscribe = "subscribe"
	FrameAck       = "ack"
)

// ConnectionFrame announces a state change. MoreAvailable and Cursor are set
// on the LIVE transition.
type ConnectionFrame struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId"`
	State         State  `json:"state"`
	MoreAvailable *bool  `json:"moreAvailable,omitempty"`
	Cursor        string `json:"cursor,omitempty"`
}

type NotificationFrame struct {
	Type         string                     `json:"type"`
	Notification notifications.Notification `json:"notification"`
	Cursor       string                     `json:"cursor"`
	Backfill     bool                       `json:"backfill,omitempty"`
}

type PongFrame struct {
	Type string `json:"type"`
}

// ClientFrame is any frame sent by the client. A nil Cursor on subscribe
// means the client has no cursor of its own.
type ClientFrame struct {
	Type   string  `json:"type"`
	Cursor *string `json:"cursor,omitempty"`
}
