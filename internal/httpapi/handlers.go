package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/classify"
	"github.com/matheus3301/wprelay/internal/message"
	"github.com/matheus3301/wprelay/internal/outbox"
	"github.com/matheus3301/wprelay/internal/store"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	State           string       `json:"state"`
	Reason          string       `json:"reason,omitempty"`
	Since           time.Time    `json:"since"`
	Store           store.Mode   `json:"store"`
	Stats           *store.Stats `json:"stats,omitempty"`
	RealtimeClients int          `json:"realtimeClients"`
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Store: a.Store.Mode()}
	if a.Status != nil {
		state, reason, since := a.Status.Snapshot()
		resp.State, resp.Reason, resp.Since = string(state), reason, since
	}
	if a.Realtime != nil {
		resp.RealtimeClients = a.Realtime.Clients()
	}
	stats, err := a.Store.Stats(r.Context())
	if err != nil {
		a.log.Warn("stats unavailable", zap.Error(err))
	} else {
		resp.Stats = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// SendRequest is the body of POST /api/messages/send.
type SendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// SendResponse acknowledges a queued message.
type SendResponse struct {
	ClientMsgID string `json:"clientMsgId"`
	Status      string `json:"status"`
}

func (a *api) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.MaxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if a.Outbox == nil {
		writeError(w, http.StatusServiceUnavailable, "sending is not configured")
		return
	}
	id, err := a.Outbox.Enqueue(r.Context(), req.To, req.Message)
	if errors.Is(err, outbox.ErrInvalid) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		a.log.Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not queue message")
		return
	}
	writeJSON(w, http.StatusAccepted, SendResponse{ClientMsgID: id, Status: "queued"})
}

func (a *api) handleListChats(w http.ResponseWriter, r *http.Request) {
	limit, offset := intParam(r, "limit", 50), intParam(r, "offset", 0)
	convs, err := a.Store.ListConversations(r.Context(), limit, offset)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if convs == nil {
		convs = []message.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (a *api) handleGetChat(w http.ResponseWriter, r *http.Request) {
	conv, err := a.Store.GetConversation(r.Context(), addressParam(r))
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleListMessages pages backwards with ?before= (RFC 3339 or unix
// milliseconds) and ?limit=.
func (a *api) handleListMessages(w http.ResponseWriter, r *http.Request) {
	before, err := timeParam(r.URL.Query().Get("before"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid before")
		return
	}
	msgs, err := a.Store.ListMessages(r.Context(), addressParam(r), before, intParam(r, "limit", 50))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *api) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.MarkRead(r.Context(), addressParam(r)); err != nil {
		a.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleGetContact(w http.ResponseWriter, r *http.Request) {
	id, err := a.Store.GetIdentity(r.Context(), addressParam(r))
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (a *api) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	a.log.Error("store query failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "store unavailable")
}

func addressParam(r *http.Request) string {
	return classify.NormalizeAddress(chi.URLParam(r, "address"))
}

func intParam(r *http.Request, name string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n < 0 {
		return def
	}
	return n
}

func timeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}
