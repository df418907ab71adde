package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chatai-web/internal/session"
)

// HandleChats submits the "message" form field to the browser's session. The user message appears
// through the SSE stream, followed by the revealed answer or a status carrying the error.
//
// It responds 202 when the message was accepted, and 204 without doing anything when the message is
// empty or a previous request or reveal is still running.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := m.session(w, r)

	err := sess.Submit(r.FormValue("message"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, session.ErrEmptyMessage), errors.Is(err, session.ErrBusy):
		m.logger.Debug("Message rejected",
			slog.String("session", sess.ID()),
			slog.String(errLoggerKey, err.Error()))
		w.WriteHeader(http.StatusNoContent)
	default:
		m.logger.Error("Failed to submit message",
			slog.String("session", sess.ID()),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleKey stores the "api_key" form field of the key dialog. An empty key switches the session back
// to the free fallback model.
func (m Main) HandleKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := m.session(w, r)

	if err := sess.SetAPIKey(r.Context(), strings.TrimSpace(r.FormValue("api_key"))); err != nil {
		m.logger.Error("Failed to save API key",
			slog.String("session", sess.ID()),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Failed to save API key", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleReset starts a new conversation, abandoning the running request or reveal.
func (m Main) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.session(w, r).Reset()

	w.WriteHeader(http.StatusNoContent)
}
