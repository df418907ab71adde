package handlers

import (
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/chatai-web/internal/session"
)

type homePageData struct {
	Messages      []message
	Status        session.Status
	UsingFallback bool
}

// HandleHome renders the chat page with the current conversation of the browser's session, the
// error of its last failed submission, and which credential it uses.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := m.session(w, r)

	msgs, err := m.renderer.messages(sess.Messages())
	if err != nil {
		m.logger.Error("Failed to render messages",
			slog.String("session", sess.ID()),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		Messages:      msgs,
		Status:        sess.Status(),
		UsingFallback: sess.Settings().UsingFallback(),
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
