package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/chatai-web/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides a completion client for a local or remote Ollama server. Ollama has no bearer
// authentication, so only the model of the credentials is used.
type Ollama struct {
	host         string
	systemPrompt string
	params       LLMParameters

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance for the server at host.
func NewOllama(host, systemPrompt string, params LLMParameters, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		systemPrompt: systemPrompt,
		params:       params,
		client:       api.NewClient(u, &http.Client{Transport: ollamaStatusRecorder{base: http.DefaultTransport}}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

// Complete asks the Ollama model for a single non-streamed answer.
func (o Ollama) Complete(
	ctx context.Context,
	history []models.Message,
	msg models.Message,
	creds models.Credentials,
) (models.Message, error) {
	msgs := requestMessages(o.systemPrompt, history, msg)
	oMsgs := make([]api.Message, len(msgs))
	for i, m := range msgs {
		oMsgs[i] = api.Message{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	f := false
	req := api.ChatRequest{
		Model:    creds.Model,
		Messages: oMsgs,
		Stream:   &f,
		Options:  o.options(),
	}

	var status int
	ctx = context.WithValue(ctx, ollamaStatusKey{}, &status)

	var sb strings.Builder
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		sb.WriteString(res.Message.Content)
		return nil
	}); err != nil {
		return models.Message{}, ollamaError(err, status)
	}

	o.logger.Debug("Response", slog.Int("length", sb.Len()))

	return models.Message{
		Role:    models.RoleAssistant,
		Content: sb.String(),
	}, nil
}

func (o Ollama) options() map[string]any {
	opts := map[string]any{}
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		opts["top_p"] = *o.params.TopP
	}
	if o.params.MaxTokens != nil {
		opts["num_predict"] = *o.params.MaxTokens
	}
	if o.params.Stop != nil {
		opts["stop"] = o.params.Stop
	}
	if o.params.Seed != nil {
		opts["seed"] = *o.params.Seed
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

type ollamaStatusKey struct{}

// ollamaStatusRecorder stores the response status in the *int the request context carries under
// ollamaStatusKey. The ollama client returns error bodies as plain errors without their status.
type ollamaStatusRecorder struct {
	base http.RoundTripper
}

func (r ollamaStatusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.base.RoundTrip(req)
	if resp != nil {
		if status, ok := req.Context().Value(ollamaStatusKey{}).(*int); ok {
			*status = resp.StatusCode
		}
	}
	return resp, err
}

// ollamaError classifies an error of the ollama client. Only errors the server answered with an error
// status are API errors, everything else failed on the way.
func ollamaError(err error, status int) error {
	var (
		statusErr api.StatusError
		urlErr    *url.Error
		syntaxErr *json.SyntaxError
	)
	switch {
	case errors.As(err, &statusErr):
		return &APIError{
			Provider:   "ollama",
			StatusCode: statusErr.StatusCode,
			Message:    statusErr.ErrorMessage,
		}
	case errors.As(err, &urlErr),
		errors.As(err, &syntaxErr),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return &TransportError{
			Provider: "ollama",
			Err:      fmt.Errorf("error sending request: %w", err),
		}
	case status >= http.StatusBadRequest:
		return &APIError{Provider: "ollama", StatusCode: status, Message: err.Error()}
	default:
		return &TransportError{
			Provider: "ollama",
			Err:      fmt.Errorf("error reading response: %w", err),
		}
	}
}
