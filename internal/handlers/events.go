package handlers

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/chatai-web/internal/models"
	"github.com/MegaGrindStone/chatai-web/internal/session"
	"github.com/tmaxmax/go-sse"
)

// SSE event types for real-time updates. The conversation event types are the models.ChangeKind
// values.
var (
	statusSSEType = sse.Type("status")
)

// sseEvents pushes session changes to the browsers subscribed to the session topic. It only
// publishes, so it is safe to call while the conversation is locked.
type sseEvents struct {
	sseSrv    *sse.Server
	templates *template.Template
	renderer  markdown

	logger *slog.Logger
}

func (e *sseEvents) ConversationChanged(sessionID string, change models.Change) {
	msg, err := e.changeMessage(change)
	if err != nil {
		e.logger.Error("Failed to build conversation event",
			slog.String("session", sessionID),
			slog.String("messageID", change.Message.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := e.sseSrv.Publish(msg, sessionTopic(sessionID)); err != nil {
		e.logger.Error("Failed to publish conversation change",
			slog.String("session", sessionID),
			slog.String("kind", string(change.Kind)),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (e *sseEvents) StatusChanged(sessionID string, status session.Status) {
	msg, err := statusMessage(status)
	if err != nil {
		e.logger.Error("Failed to marshal status", slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := e.sseSrv.Publish(msg, sessionTopic(sessionID)); err != nil {
		e.logger.Error("Failed to publish status",
			slog.String("session", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// snapshot sends a freshly connected page the whole state of its session: a reset, every message, and
// the status. The page may have been rendered from a session that ended since.
func (e *sseEvents) snapshot(s *sse.Session, sess *session.Session) error {
	msgs := []*sse.Message{}

	reset, err := e.changeMessage(models.Change{Kind: models.ChangeReset})
	if err != nil {
		return err
	}
	msgs = append(msgs, reset)

	for i, m := range sess.Messages() {
		msg, err := e.changeMessage(models.Change{Kind: models.ChangeAppend, Index: i, Message: m})
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	status, err := statusMessage(sess.Status())
	if err != nil {
		return err
	}
	msgs = append(msgs, status)

	for _, msg := range msgs {
		if err := s.Send(msg); err != nil {
			return fmt.Errorf("failed to send snapshot: %w", err)
		}
	}
	return s.Flush()
}

func (e *sseEvents) changeMessage(change models.Change) (*sse.Message, error) {
	msg := &sse.Message{
		Type: sse.Type(string(change.Kind)),
	}

	switch change.Kind {
	case models.ChangeAppend, models.ChangeReplace:
		rm, err := e.renderer.message(change.Message)
		if err != nil {
			return nil, err
		}

		var sb strings.Builder
		if err := e.templates.ExecuteTemplate(&sb, "message", rm); err != nil {
			return nil, fmt.Errorf("failed to execute message template: %w", err)
		}
		msg.AppendData(sb.String())
	case models.ChangeReset:
		msg.AppendData("reset")
	}

	return msg, nil
}

func statusMessage(status session.Status) (*sse.Message, error) {
	data, err := json.Marshal(status)
	if err != nil {
		return nil, err
	}

	msg := &sse.Message{
		Type: statusSSEType,
	}
	msg.AppendData(string(data))
	return msg, nil
}
