package httpapi

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/ingest"
	"github.com/matheus3301/wprelay/internal/whatsapp"
)

// handleVerify answers the provider's subscription challenge.
func (a *api) handleVerify(w http.ResponseWriter, r *http.Request) {
	challenge, ok := whatsapp.VerifyChallenge(r.URL.Query(), a.VerifyToken)
	if !ok {
		a.log.Warn("webhook verification rejected", zap.String("mode", r.URL.Query().Get("hub.mode")))
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, challenge)
}

// handleWebhook ingests every message and status in the envelope. It answers
// 200 once all of them are stored and 500 otherwise, so the provider
// redelivers; already stored messages are skipped on redelivery.
func (a *api) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.MaxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	env, err := whatsapp.ParseEnvelope(body)
	if err != nil {
		a.log.Warn("invalid webhook body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid envelope")
		return
	}

	failed := 0
	for _, in := range env.Messages() {
		_, err := a.Engine.Ingest(r.Context(), ingest.Input{Raw: in.Raw, ProfileName: in.ProfileName})
		switch {
		case err == nil:
		case errors.Is(err, ingest.ErrMalformed):
			a.log.Warn("skipping malformed message", zap.Error(err))
		default:
			failed++
			a.log.Error("ingest failed", zap.Error(err))
		}
	}
	for _, st := range env.Statuses() {
		_, err := a.Engine.IngestStatus(r.Context(), ingest.StatusInput{
			ProviderID: st.ID,
			Status:     st.Status,
			Recipient:  st.RecipientID,
			Timestamp:  st.Time(),
		})
		if err != nil {
			failed++
			a.log.Error("status update failed", zap.String("msg_id", st.ID), zap.Error(err))
		}
	}

	if failed > 0 {
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
