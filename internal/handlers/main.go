package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	chataiweb "github.com/MegaGrindStone/chatai-web"
	"github.com/MegaGrindStone/chatai-web/internal/session"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and the sessions that talk to the language model.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	renderer  markdown

	sessions *session.Manager

	logger *slog.Logger
}

const (
	sessionCookie = "chatai_session"
	errLoggerKey  = "err"
)

// NewMain creates a new Main instance. It parses the HTML templates from the embedded filesystem,
// initializes the SSE server that subscribes every browser to the topic of its session, and creates
// the session manager whose changes are pushed through that server. store may be nil.
func NewMain(
	completer session.Completer,
	store session.CredentialStore,
	cfg session.Config,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		chataiweb.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	logger = logger.With(slog.String("module", "handlers"))

	sseSrv := &sse.Server{}

	renderer := newMarkdown()
	events := &sseEvents{
		sseSrv:    sseSrv,
		templates: tmpl,
		renderer:  renderer,
		logger:    logger,
	}
	sessions := session.NewManager(cfg, completer, store, events, logger)

	// Every page is attached to its session while its event stream is open, and the session ends when
	// its last page goes away.
	sseSrv.OnSession = func(s *sse.Session) (sse.Subscription, bool) {
		c, err := s.Req.Cookie(sessionCookie)
		if err != nil || !validSessionID(c.Value) {
			return sse.Subscription{}, false
		}

		id := c.Value
		sess := sessions.Attach(s.Req.Context(), id)
		go func() {
			<-s.Req.Context().Done()
			sessions.Detach(id)
		}()

		if err := events.snapshot(s, sess); err != nil {
			logger.Error("Failed to send session snapshot",
				slog.String("session", id),
				slog.String(errLoggerKey, err.Error()))
		}

		return sse.Subscription{
			Client:      s,
			LastEventID: s.LastEventID,
			Topics:      []string{sse.DefaultTopic, sessionTopic(id)},
		}, true
	}

	return Main{
		sseSrv:    sseSrv,
		templates: tmpl,
		renderer:  renderer,
		sessions:  sessions,
		logger:    logger,
	}, nil
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

func validSessionID(id string) bool {
	return uuid.Validate(id) == nil
}

// session returns the session of the browser, assigning a new session cookie when the request has
// none.
func (m Main) session(w http.ResponseWriter, r *http.Request) *session.Session {
	c, err := r.Cookie(sessionCookie)
	if err == nil && validSessionID(c.Value) {
		return m.sessions.Get(r.Context(), c.Value)
	}

	id := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return m.sessions.Get(r.Context(), id)
}

// HandleSSE streams the changes of the browser's session.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance. It stops every session, so no reveal outlives the
// server, then broadcasts a close message to all connected clients and waits up to 5 seconds for
// connections to terminate. After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.sessions.Close()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// SSE events need a data field to be dispatched
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
