// Package api implements the HTTP control plane: authenticated operations
// for querying channel state, publishing events, and terminating user
// connections. Every handler runs behind the authentication gate; none
// touches the directory before the gate passes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/markb/pushlite/internal/auth"
	"github.com/markb/pushlite/internal/directory"
	"github.com/markb/pushlite/internal/log"
	"github.com/markb/pushlite/internal/relay"
	"github.com/markb/pushlite/internal/webhook"
)

// terminateReason is the fixed disconnect message sent to terminated sockets.
const terminateReason = "Terminate connection by API"

// Handler serves the control-plane endpoints.
type Handler struct {
	gate  *auth.Gate
	dir   *directory.Directory
	relay relay.Relay
	hooks webhook.Publisher
}

// NewHandler creates a control-plane handler.
func NewHandler(gate *auth.Gate, dir *directory.Directory, rl relay.Relay, hooks webhook.Publisher) *Handler {
	if hooks == nil {
		hooks = webhook.Discard{}
	}
	return &Handler{gate: gate, dir: dir, relay: rl, hooks: hooks}
}

// RegisterRoutes mounts the authenticated /apps/{appId} surface.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/apps/{appId}", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/channels", h.handleListChannels)
		r.Get("/channels/{channelName}", h.handleGetChannel)
		r.Get("/channels/{channelName}/users", h.handleListChannelUsers)
		r.Post("/events", h.handlePublishEvent)
		r.Post("/batch_events", h.handleBatchEvents)
		r.Post("/users/{userId}/terminate_connections", h.handleTerminateConnections)
	})
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, v any) {
	json.NewEncoder(w).Encode(v)
}

// infoFields parses the comma-separated info parameter into the opt-in
// count fields; type is always returned.
func infoFields(info string) []string {
	var fields []string
	for _, f := range strings.Split(info, ",") {
		switch f {
		case directory.FieldSubscriptionCount, directory.FieldUserCount:
			fields = append(fields, f)
		}
	}
	return fields
}

func (h *Handler) handleListChannels(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	fields := infoFields(r.URL.Query().Get("info"))
	prefix := r.URL.Query().Get("filter_by_prefix")

	channels, err := h.dir.ListChannels(r.Context(), app.ID, prefix, fields)
	if err != nil {
		log.Error("list channels failed", "app_id", app.ID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "Server Error [channels]")
		return
	}

	writeJSON(w, map[string]any{"channels": channels})
}

func (h *Handler) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	channel := chi.URLParam(r, "channelName")
	fields := infoFields(r.URL.Query().Get("info"))

	info, occupied, err := h.dir.GetChannel(r.Context(), app.ID, channel, fields)
	if err != nil {
		log.Error("get channel failed", "app_id", app.ID, "channel", channel, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "Server Error [channel]")
		return
	}
	if !occupied {
		// Not an error: an unoccupied channel is an empty object.
		writeJSON(w, map[string]any{})
		return
	}

	resp := map[string]any{"occupied": true}
	for k, v := range info {
		resp[k] = v
	}
	writeJSON(w, resp)
}

type channelUser struct {
	ID string `json:"id"`
}

func (h *Handler) handleListChannelUsers(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	channel := chi.URLParam(r, "channelName")

	users, err := h.dir.ListChannelUsers(r.Context(), app.ID, channel)
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrInvalidChannel):
			writeError(w, http.StatusBadRequest, "Invalid channel ["+channel+"]")
		case errors.Is(err, directory.ErrNotFound):
			writeError(w, http.StatusNotFound, "Not Found ["+channel+"]")
		default:
			log.Error("list channel users failed", "app_id", app.ID, "channel", channel, "error", err.Error())
			writeError(w, http.StatusInternalServerError, "Server Error [users]")
		}
		return
	}

	list := make([]channelUser, 0, len(users))
	for _, id := range users {
		list = append(list, channelUser{ID: id})
	}
	writeJSON(w, map[string]any{"users": list})
}

// PublishRequest is the body of POST /apps/{appId}/events.
type PublishRequest struct {
	Channels []string        `json:"channels"`
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
	SocketID string          `json:"socket_id,omitempty"`
}

func (h *Handler) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Channels) == 0 {
		writeError(w, http.StatusBadRequest, "Required channels")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Required name")
		return
	}
	if len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "Required data")
		return
	}

	for _, channel := range req.Channels {
		if err := h.publish(r, app, channel, req.Name, req.Data, req.SocketID); err != nil {
			writeError(w, http.StatusInternalServerError, "Server Error [events]")
			return
		}
	}
	writeJSON(w, map[string]any{})
}

// publish relays one event and records it for webhook consumers. Zero
// subscribers is a success.
func (h *Handler) publish(r *http.Request, app *auth.Application, channel, name string, data json.RawMessage, socketID string) error {
	if err := h.relay.Deliver(r.Context(), app.ID, channel, name, string(data), socketID); err != nil {
		log.Error("event delivery failed", "app_id", app.ID, "channel", channel, "event", name, "error", err.Error())
		return err
	}
	h.hooks.Publish(webhook.NewEvent(webhook.EventServerEvent, app.ID, channel, mustRaw(map[string]any{
		"event": name,
		"data":  data,
	})))
	return nil
}

// BatchItem is one entry of POST /apps/{appId}/batch_events.
type BatchItem struct {
	Channel  string          `json:"channel"`
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
	SocketID string          `json:"socket_id,omitempty"`
}

// BatchItemError reports a failed batch entry by index.
type BatchItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// handleBatchEvents publishes per item, best effort: a bad item is reported
// in the response while the remaining items still deliver.
func (h *Handler) handleBatchEvents(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())

	var req struct {
		Batch []BatchItem `json:"batch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Batch) == 0 {
		writeError(w, http.StatusBadRequest, "Required batch")
		return
	}

	var failures []BatchItemError
	for i, item := range req.Batch {
		if msg := validateBatchItem(item); msg != "" {
			failures = append(failures, BatchItemError{Index: i, Error: msg})
			continue
		}
		if err := h.publish(r, app, item.Channel, item.Name, item.Data, item.SocketID); err != nil {
			failures = append(failures, BatchItemError{Index: i, Error: "Server Error"})
		}
	}

	if len(failures) > 0 {
		writeJSON(w, map[string]any{"errors": failures})
		return
	}
	writeJSON(w, map[string]any{})
}

func validateBatchItem(item BatchItem) string {
	switch {
	case item.Channel == "":
		return "Required channel"
	case item.Name == "":
		return "Required name"
	case len(item.Data) == 0:
		return "Required data"
	}
	return ""
}

// handleTerminateConnections closes every socket the user holds across the
// application. A user with no sockets is a successful no-op.
func (h *Handler) handleTerminateConnections(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	userID := chi.URLParam(r, "userId")

	sockets, err := h.dir.ListUserSockets(r.Context(), app.ID, userID, "")
	if err != nil {
		log.Error("socket lookup failed", "app_id", app.ID, "user_id", userID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "Server Error [terminate_connections]")
		return
	}

	for _, socketID := range sockets {
		if err := h.relay.Terminate(r.Context(), app.ID, socketID, terminateReason); err != nil {
			log.Warn("terminate failed", "app_id", app.ID, "socket_id", socketID, "error", err.Error())
		}
	}
	writeJSON(w, map[string]any{})
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
