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

	"github.com/MegaGrindStone/chatai-web/internal/models"
)

// Anthropic provides a completion client for the Anthropic messages API.
type Anthropic struct {
	baseURL      string
	systemPrompt string
	maxTokens    int
	params       LLMParameters

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float32           `json:"temperature,omitempty"`
	TopP          *float32           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Type    string `json:"type"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	// AnthropicAPIEndpoint is the default Anthropic base URL.
	AnthropicAPIEndpoint = "https://api.anthropic.com/v1"

	anthropicVersion = "2023-06-01"
)

// NewAnthropic creates a new Anthropic instance. max_tokens is mandatory for this API, a MaxTokens
// parameter overrides maxTokens.
func NewAnthropic(baseURL, systemPrompt string, maxTokens int, params LLMParameters, logger *slog.Logger) Anthropic {
	if baseURL == "" {
		baseURL = AnthropicAPIEndpoint
	}
	if params.MaxTokens != nil {
		maxTokens = *params.MaxTokens
	}
	return Anthropic{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		params:       params,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// Complete sends the history plus msg to the messages endpoint and joins the text blocks of the answer.
func (a Anthropic) Complete(
	ctx context.Context,
	history []models.Message,
	msg models.Message,
	creds models.Credentials,
) (models.Message, error) {
	// The system prompt travels in its own field.
	msgs := requestMessages("", history, msg)
	aMsgs := make([]anthropicMessage, len(msgs))
	for i, m := range msgs {
		aMsgs[i] = anthropicMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	reqBody := anthropicChatRequest{
		Model:         creds.Model,
		Messages:      aMsgs,
		System:        a.systemPrompt,
		MaxTokens:     a.maxTokens,
		Temperature:   a.params.Temperature,
		TopP:          a.params.TopP,
		StopSequences: a.params.Stop,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return models.Message{}, a.transportError(fmt.Errorf("error marshaling request: %w", err))
	}

	a.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return models.Message{}, a.transportError(fmt.Errorf("error creating request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", creds.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return models.Message{}, a.transportError(fmt.Errorf("error sending request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Message{}, a.transportError(fmt.Errorf("error reading response: %w", err))
	}

	var res anthropicResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return models.Message{}, a.transportError(
			fmt.Errorf("error decoding response (HTTP %d): %w", resp.StatusCode, err))
	}

	if res.Error != nil {
		return models.Message{}, &APIError{
			Provider:   "anthropic",
			StatusCode: resp.StatusCode,
			Code:       res.Error.Type,
			Message:    res.Error.Message,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return models.Message{}, a.transportError(
			fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body)))
	}

	if len(res.Content) == 0 {
		return models.Message{}, a.transportError(errors.New("no content found"))
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}

	return models.Message{
		Role:    models.RoleAssistant,
		Content: sb.String(),
	}, nil
}

func (a Anthropic) transportError(err error) error {
	return &TransportError{Provider: "anthropic", Err: err}
}
