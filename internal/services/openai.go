package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/chatai-web/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides a completion client for OpenAI, or any server speaking the OpenAI chat completions
// protocol when baseURL is set.
type OpenAI struct {
	baseURL      string
	systemPrompt string

	params LLMParameters

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL keeps the go-openai default.
func NewOpenAI(baseURL, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	return OpenAI{
		baseURL:      baseURL,
		systemPrompt: systemPrompt,
		params:       params,
		logger:       logger.With(slog.String("module", "openai")),
	}
}

// Complete is a wrapper around the OpenAI chat completion API. The client is built per call because
// the bearer key belongs to the calling session.
func (o OpenAI) Complete(
	ctx context.Context,
	history []models.Message,
	msg models.Message,
	creds models.Credentials,
) (models.Message, error) {
	msgs := requestMessages(o.systemPrompt, history, msg)
	oMsgs := make([]goopenai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		oMsgs[i] = goopenai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	req := o.chatRequest(creds.Model, oMsgs)

	reqJSON, err := json.Marshal(req)
	if err == nil {
		o.logger.Debug("Request", slog.String("req", string(reqJSON)))
	}

	cfg := goopenai.DefaultConfig(creds.APIKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	client := goopenai.NewClientWithConfig(cfg)

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) {
			code := ""
			if apiErr.Code != nil {
				code = fmt.Sprint(apiErr.Code)
			}
			return models.Message{}, &APIError{
				Provider:   "openai",
				StatusCode: apiErr.HTTPStatusCode,
				Code:       code,
				Message:    apiErr.Message,
			}
		}
		return models.Message{}, &TransportError{
			Provider: "openai",
			Err:      fmt.Errorf("error sending request: %w", err),
		}
	}

	if len(resp.Choices) == 0 {
		return models.Message{}, &TransportError{Provider: "openai", Err: errors.New("no choices found")}
	}

	return models.Message{
		Role:    models.RoleAssistant,
		Content: resp.Choices[0].Message.Content,
	}, nil
}

func (o OpenAI) chatRequest(model string, messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}

	return req
}
