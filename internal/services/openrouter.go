package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/chatai-web/internal/models"
)

// OpenRouter provides a completion client for OpenRouter's chat completions endpoint. The bearer key
// and the model come with every call, so a single OpenRouter value serves every session.
type OpenRouter struct {
	baseURL      string
	systemPrompt string
	params       LLMParameters

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openRouterMessage `json:"messages"`
	Stream      bool                `json:"stream"`
	Temperature *float32            `json:"temperature,omitempty"`
	TopP        *float32            `json:"top_p,omitempty"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
	Stop        []string            `json:"stop,omitempty"`
	Seed        *int                `json:"seed,omitempty"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterResponse struct {
	Choices []openRouterChoice `json:"choices"`
	// Error is usually an object, but proxies and some upstream providers send a bare string.
	Error json.RawMessage `json:"error"`
}

type openRouterChoice struct {
	Message openRouterMessage `json:"message"`
}

type openRouterError struct {
	// Code is a number on most OpenRouter errors, and a string on errors relayed from upstream
	// providers.
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

const (
	// OpenRouterAPIEndpoint is the default OpenRouter base URL.
	OpenRouterAPIEndpoint = "https://openrouter.ai/api/v1"

	openRouterTimeout         = 2 * time.Minute
	openRouterMaxResponseSize = 10 * 1024 * 1024
)

// NewOpenRouter creates a new OpenRouter client. An empty baseURL selects OpenRouterAPIEndpoint.
func NewOpenRouter(baseURL, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenRouter {
	if baseURL == "" {
		baseURL = OpenRouterAPIEndpoint
	}
	return OpenRouter{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		systemPrompt: systemPrompt,
		params:       params,
		client:       &http.Client{Timeout: openRouterTimeout},
		logger:       logger.With(slog.String("module", "openrouter")),
	}
}

// Complete sends the history plus msg to OpenRouter and returns the assistant answer. A structured
// error body yields an *APIError, anything else that prevents an answer yields a *TransportError.
func (o OpenRouter) Complete(
	ctx context.Context,
	history []models.Message,
	msg models.Message,
	creds models.Credentials,
) (models.Message, error) {
	msgs := requestMessages(o.systemPrompt, history, msg)
	oMsgs := make([]openRouterMessage, len(msgs))
	for i, m := range msgs {
		oMsgs[i] = openRouterMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	reqBody := openRouterChatRequest{
		Model:       creds.Model,
		Messages:    oMsgs,
		Temperature: o.params.Temperature,
		TopP:        o.params.TopP,
		MaxTokens:   o.params.MaxTokens,
		Stop:        o.params.Stop,
		Seed:        o.params.Seed,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return models.Message{}, o.transportError(fmt.Errorf("error marshaling request: %w", err))
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return models.Message{}, o.transportError(fmt.Errorf("error creating request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	req.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/chatai-web/")
	req.Header.Set("X-Title", "ChatAI Web")

	resp, err := o.client.Do(req)
	if err != nil {
		return models.Message{}, o.transportError(fmt.Errorf("error sending request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, openRouterMaxResponseSize))
	if err != nil {
		return models.Message{}, o.transportError(fmt.Errorf("error reading response: %w", err))
	}

	o.logger.Debug("Response Body",
		slog.Int("status", resp.StatusCode),
		slog.String("body", string(body)))

	var res openRouterResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return models.Message{}, o.transportError(
			fmt.Errorf("error decoding response (HTTP %d): %w", resp.StatusCode, err))
	}

	// OpenRouter reports some failures, like upstream moderation, inside a 200 response.
	if apiErr := openRouterAPIError(res.Error, resp.StatusCode); apiErr != nil {
		return models.Message{}, apiErr
	}

	if resp.StatusCode != http.StatusOK {
		return models.Message{}, o.transportError(
			fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body)))
	}

	if len(res.Choices) == 0 {
		return models.Message{}, o.transportError(errors.New("no choices found"))
	}

	return models.Message{
		Role:    models.RoleAssistant,
		Content: res.Choices[0].Message.Content,
	}, nil
}

// openRouterAPIError turns any non-null error payload into an *APIError, or returns nil when the
// response carries none.
func openRouterAPIError(raw json.RawMessage, statusCode int) *APIError {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	apiErr := &APIError{Provider: "openrouter", StatusCode: statusCode}

	var obj openRouterError
	if err := json.Unmarshal(raw, &obj); err == nil {
		apiErr.Code = strings.Trim(string(obj.Code), `"`)
		apiErr.Message = obj.Message
		return apiErr
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		apiErr.Message = text
		return apiErr
	}

	apiErr.Message = string(raw)
	return apiErr
}

func (o OpenRouter) transportError(err error) error {
	return &TransportError{Provider: "openrouter", Err: err}
}
