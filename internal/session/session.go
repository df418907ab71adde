// Package session ties one browser's conversation, reveal scheduler and credential settings together
// and enforces that at most one completion request or reveal runs at a time.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/chatai-web/internal/models"
	"github.com/MegaGrindStone/chatai-web/internal/reveal"
	"github.com/MegaGrindStone/chatai-web/internal/services"
)

// Completer sends the conversation plus a new message to a language model and returns its complete
// answer. Implementations classify failures as *services.APIError or *services.TransportError.
type Completer interface {
	Complete(ctx context.Context, history []models.Message, msg models.Message,
		creds models.Credentials) (models.Message, error)
}

// CredentialStore persists the API key a session entered.
type CredentialStore interface {
	APIKey(ctx context.Context, sessionID string) (string, error)
	SaveAPIKey(ctx context.Context, sessionID, apiKey string) error
}

// Events receives everything the view has to re-render. ConversationChanged runs while the
// conversation is locked and must not call back into the Session.
type Events interface {
	ConversationChanged(sessionID string, change models.Change)
	StatusChanged(sessionID string, status Status)
}

// Status is what the view shows around the conversation: whether the send button is disabled, and
// the error of the last failed submission.
type Status struct {
	Busy  bool   `json:"busy"`
	Error string `json:"error"`
}

// User facing texts of failed submissions.
const (
	APIErrorText       = "The request was rejected, check that your API key is valid."
	TransportErrorText = "The request failed, please try again later."
)

const errLoggerKey = "err"

var (
	// ErrEmptyMessage is returned by Submit for an empty message. Nothing is sent.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrBusy is returned by Submit while a request or a reveal is in progress. Nothing is sent.
	ErrBusy = errors.New("a request is already in progress")
)

// Session is a single conversation with its credential settings. Lock order is Session, then the
// reveal scheduler, then the conversation.
type Session struct {
	id string

	completer Completer
	store     CredentialStore
	events    Events

	conv   *models.Conversation
	reveal *reveal.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	settings      models.Settings
	requesting    bool
	cancelRequest context.CancelFunc
	errText       string
	closed        bool

	logger *slog.Logger
}

func newSession(
	id string,
	settings models.Settings,
	interval time.Duration,
	completer Completer,
	store CredentialStore,
	events Events,
	logger *slog.Logger,
) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With(slog.String("session", id))

	s := &Session{
		id:        id,
		completer: completer,
		store:     store,
		events:    events,
		ctx:       ctx,
		cancel:    cancel,
		settings:  settings,
		logger:    logger,
	}
	s.conv = models.NewConversation(func(c models.Change) {
		s.events.ConversationChanged(s.id, c)
	})
	s.reveal = reveal.New(s.conv, interval, logger)

	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Submit appends text as a user message and starts the completion in the background. It returns
// ErrEmptyMessage or ErrBusy without touching the conversation when the submission is not admitted.
func (s *Session) Submit(text string) error {
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed || s.requesting || s.reveal.Active() {
		s.mu.Unlock()
		return ErrBusy
	}

	history := s.conv.Messages()
	msg := models.Message{Role: models.RoleUser, Content: text}
	s.conv.Append(msg)

	ctx, cancel := context.WithCancel(s.ctx)
	s.requesting = true
	s.cancelRequest = cancel
	s.errText = ""
	creds := s.settings.Credentials()
	status := s.statusLocked()

	s.wg.Add(1)
	s.mu.Unlock()

	s.events.StatusChanged(s.id, status)

	go s.complete(ctx, cancel, history, msg, creds)

	return nil
}

func (s *Session) complete(
	ctx context.Context,
	cancel context.CancelFunc,
	history []models.Message,
	msg models.Message,
	creds models.Credentials,
) {
	defer s.wg.Done()
	defer cancel()

	s.logger.Debug("Completion requested", slog.Int("history", len(history)))

	answer, err := s.completer.Complete(ctx, history, msg, creds)

	s.mu.Lock()
	if ctx.Err() != nil {
		// Reset or Close already cleared the request state.
		s.mu.Unlock()
		return
	}
	s.requesting = false
	s.cancelRequest = nil

	if err != nil {
		var apiErr *services.APIError
		if errors.As(err, &apiErr) {
			s.errText = APIErrorText
		} else {
			s.errText = TransportErrorText
		}
		status := s.statusLocked()
		s.mu.Unlock()

		s.logger.Error("Completion failed", slog.String(errLoggerKey, err.Error()))
		s.events.StatusChanged(s.id, status)
		return
	}

	done, err := s.reveal.Start(s.ctx, answer.Content)
	status := s.statusLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Failed to start reveal", slog.String(errLoggerKey, err.Error()))
		s.events.StatusChanged(s.id, status)
		return
	}

	s.events.StatusChanged(s.id, status)

	<-done

	s.mu.Lock()
	status = s.statusLocked()
	s.mu.Unlock()
	s.events.StatusChanged(s.id, status)
}

// SetAPIKey stores the key entered in the key dialog. An empty key selects the fallback credential
// and model.
func (s *Session) SetAPIKey(ctx context.Context, apiKey string) error {
	s.mu.Lock()
	s.settings.APIKey = apiKey
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	return s.store.SaveAPIKey(ctx, s.id, apiKey)
}

// Reset starts a new conversation. The in-flight request and the running reveal are abandoned and
// their results never reach the conversation.
func (s *Session) Reset() {
	s.mu.Lock()
	s.stopLocked()
	s.errText = ""
	s.conv.Reset()
	status := s.statusLocked()
	s.mu.Unlock()

	s.events.StatusChanged(s.id, status)
}

// Close stops the session for good and waits for its background work to return.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.stopLocked()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Messages returns a copy of the conversation.
func (s *Session) Messages() []models.Message {
	return s.conv.Messages()
}

// Settings returns the current credential settings.
func (s *Session) Settings() models.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.settings
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.statusLocked()
}

func (s *Session) stopLocked() {
	if s.cancelRequest != nil {
		s.cancelRequest()
		s.cancelRequest = nil
	}
	s.requesting = false
	s.reveal.Cancel()
}

func (s *Session) statusLocked() Status {
	return Status{
		Busy:  s.requesting || s.reveal.Active(),
		Error: s.errText,
	}
}
