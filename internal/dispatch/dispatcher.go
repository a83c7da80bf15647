// Package dispatch pushes stored notifications to live sessions.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/darkden-lab/relay/internal/metrics"
	"github.com/darkden-lab/relay/internal/notifications"
	"github.com/darkden-lab/relay/internal/session"
)

// SessionDeliveryFailure describes a push that failed for one session. It is
// logged and absorbed, never returned to the caller.
type SessionDeliveryFailure struct {
	SessionID string
	Err       error
}

func (e *SessionDeliveryFailure) Error() string {
	return fmt.Sprintf("deliver to session %s: %v", e.SessionID, e.Err)
}

func (e *SessionDeliveryFailure) Unwrap() error { return e.Err }

// StateWriter persists the outcome of a dispatch.
type StateWriter interface {
	SetDeliveryState(ctx context.Context, notificationID string, state notifications.DeliveryState) error
}

// Dispatcher delivers notifications to every live session of their user.
type Dispatcher struct {
	registry *session.Registry
	store    StateWriter
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func New(registry *session.Registry, store StateWriter, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{registry: registry, store: store, metrics: m, log: log.Named("dispatch")}
}

// Dispatch pushes n once to each active session of n.UserID. Failed sessions
// are unregistered and not retried. The resulting state is written to the
// store; only that write can fail the call.
func (d *Dispatcher) Dispatch(ctx context.Context, n notifications.Notification) (notifications.DeliveryState, error) {
	delivered := 0
	for _, s := range d.registry.ActiveSessionsFor(n.UserID) {
		// The client already acknowledged this notification.
		if !n.Cursor().After(s.LastSeenCursor()) {
			delivered++
			continue
		}
		if err := s.Push(ctx, n); err != nil {
			failure := &SessionDeliveryFailure{SessionID: s.ID, Err: err}
			d.log.Info("dropping dead session",
				zap.String("user_id", n.UserID),
				zap.String("notification_id", n.ID),
				zap.Error(failure))
			d.registry.UnregisterIf(s)
			d.metrics.IncPushFailure()
			continue
		}
		delivered++
	}

	state := notifications.DeliveryStoredOnly
	if delivered > 0 {
		state = notifications.DeliveryLive
	}
	if err := d.store.SetDeliveryState(ctx, n.ID, state); err != nil {
		return state, fmt.Errorf("record delivery state: %w", err)
	}
	d.metrics.ObserveDispatch(string(state))
	return state, nil
}
