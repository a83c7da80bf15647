package producer

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/darkden-lab/relay/internal/bus"
	"github.com/darkden-lab/relay/internal/events"
	"github.com/darkden-lab/relay/internal/httputil"
)

const maxEventBody = 64 << 10

// DeadLetterSource is implemented by brokers that keep rejected messages in
// memory.
type DeadLetterSource interface {
	DeadLetters() []bus.DeadLetter
}

// Handlers exposes the publish surface over HTTP.
type Handlers struct {
	producer    *Producer
	deadLetters DeadLetterSource
}

// NewHandlers creates the handlers. deadLetters may be nil, in which case the
// dead-letter listing is not registered.
func NewHandlers(p *Producer, deadLetters DeadLetterSource) *Handlers {
	return &Handlers{producer: p, deadLetters: deadLetters}
}

func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/events", h.Publish).Methods(http.MethodPost)
	if h.deadLetters != nil {
		r.HandleFunc("/api/dead-letters", h.ListDeadLetters).Methods(http.MethodGet)
	}
}

// Publish accepts one event in wire shape. eventId and timestamp are
// generated when absent.
func (h *Handlers) Publish(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody+1))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(raw) > maxEventBody {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, "event too large")
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		httputil.WriteError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}
	setDefault(fields, "eventId", uuid.New().String())
	setDefault(fields, "timestamp", time.Now().UTC().Format(time.RFC3339Nano))

	body, err := json.Marshal(fields)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to encode event")
		return
	}
	ev, err := events.Parse(body)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.producer.Publish(r.Context(), ev); err != nil {
		var te *bus.TransportError
		if errors.As(err, &te) || errors.Is(err, bus.ErrClosed) {
			httputil.WriteError(w, http.StatusServiceUnavailable, "event bus unavailable")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to publish event")
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"event_id":   ev.ID,
		"event_type": string(ev.Type),
	})
}

func (h *Handlers) ListDeadLetters(w http.ResponseWriter, _ *http.Request) {
	letters := h.deadLetters.DeadLetters()
	if letters == nil {
		letters = []bus.DeadLetter{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": letters,
		"count":        len(letters),
	})
}

func setDefault(fields map[string]json.RawMessage, key, value string) {
	if v, ok := fields[key]; ok && string(v) != `""` && string(v) != "null" {
		return
	}
	fields[key], _ = json.Marshal(value)
}
