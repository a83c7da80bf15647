package notifications

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/darkden-lab/relay/internal/httputil"
)

// Handlers provides HTTP handlers for the notification pull API.
type Handlers struct {
	store Store
	subs  SubscriptionStore
	log   *zap.Logger
}

// NewHandlers creates a new Handlers.
func NewHandlers(store Store, subs SubscriptionStore, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{store: store, subs: subs, log: log.Named("api")}
}

// RegisterRoutes wires the notification endpoints onto the provided router.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/notifications/{userId}", h.ListNotifications).Methods("GET")
	r.HandleFunc("/api/notifications/{userId}/unread-count", h.UnreadCount).Methods("GET")
	r.HandleFunc("/api/notifications/{userId}/read-all", h.MarkAllRead).Methods("POST")
	r.HandleFunc("/api/notifications/{id}/read", h.MarkRead).Methods("POST")
	r.HandleFunc("/api/subscriptions/{userId}", h.GetSubscriptions).Methods("GET")
	r.HandleFunc("/api/subscriptions/{userId}", h.UpdateSubscriptions).Methods("PUT")
}

// writeStoreError maps store errors onto HTTP statuses.
func (h *Handlers) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "notification not found")
	case IsTransient(err):
		h.log.Warn(op+" failed", zap.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "store temporarily unavailable")
	default:
		h.log.Error(op+" failed", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

// ListNotifications handles GET /api/notifications/{userId}?cursor&limit
func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	q := r.URL.Query()

	cursor, err := ParseCursor(q.Get("cursor"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := DefaultPageSize
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			httputil.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	page, err := h.store.ListForUser(r.Context(), userID, cursor, limit)
	if err != nil {
		h.writeStoreError(w, "list notifications", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, page)
}

// UnreadCount handles GET /api/notifications/{userId}/unread-count
func (h *Handlers) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	count, err := h.store.UnreadCount(r.Context(), userID)
	if err != nil {
		h.writeStoreError(w, "unread count", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"unread_count": count,
	})
}

// MarkRead handles POST /api/notifications/{id}/read. The owner comes from
// the JSON body {"user_id": "..."} or the userId query parameter.
func (h *Handlers) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		var req struct {
			UserID string `json:"user_id"`
		}
		if err := httputil.DecodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		userID = req.UserID
	}
	if userID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	n, err := h.store.MarkRead(r.Context(), id, userID)
	if err != nil {
		h.writeStoreError(w, "mark read", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, n)
}

// MarkAllRead handles POST /api/notifications/{userId}/read-all
func (h *Handlers) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	changed, err := h.store.MarkAllRead(r.Context(), userID)
	if err != nil {
		h.writeStoreError(w, "mark all read", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"updated": changed,
	})
}

// GetSubscriptions handles GET /api/subscriptions/{userId}
func (h *Handlers) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	subs, err := h.subs.ListByUser(r.Context(), userID)
	if err != nil {
		h.writeStoreError(w, "list subscriptions", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": subs,
	})
}

// UpdateSubscriptions handles PUT /api/subscriptions/{userId}
func (h *Handlers) UpdateSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	var req struct {
		Subscriptions []struct {
			Topic   string `json:"topic"`
			Enabled bool   `json:"enabled"`
		} `json:"subscriptions"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	for _, s := range req.Subscriptions {
		if s.Topic == "" {
			httputil.WriteError(w, http.StatusBadRequest, "topic is required")
			return
		}
	}
	for _, s := range req.Subscriptions {
		sub := Subscription{UserID: userID, Topic: s.Topic, Enabled: s.Enabled}
		if err := h.subs.Set(r.Context(), sub); err != nil {
			h.writeStoreError(w, "set subscription", err)
			return
		}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
