package session

import (
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/darkden-lab/relay/internal/httputil"
)

// Handlers exposes session presence over HTTP.
type Handlers struct {
	registry *Registry
	log      *zap.Logger
}

func NewHandlers(registry *Registry, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{registry: registry, log: log.Named("api")}
}

func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/presence/{userId}", h.GetPresence).Methods("GET")
}

// GetPresence handles GET /api/presence/{userId}. With a shared directory it
// lists sessions on every instance, otherwise only local ones.
func (h *Handlers) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	if h.registry.presence != nil {
		members, err := h.registry.presence.Members(r.Context(), userID)
		if err == nil {
			sort.Strings(members)
			httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
				"user_id":  userID,
				"online":   len(members) > 0,
				"sessions": members,
				"source":   "directory",
			})
			return
		}
		h.log.Warn("presence lookup failed, using local registry", zap.String("user_id", userID), zap.Error(err))
	}

	local := h.registry.ActiveSessionsFor(userID)
	members := make([]string, 0, len(local))
	for _, s := range local {
		members = append(members, h.registry.presenceMember(s))
	}
	sort.Strings(members)
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"online":   len(members) > 0,
		"sessions": members,
		"source":   "local",
	})
}
