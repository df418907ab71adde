package services

import "github.com/MegaGrindStone/chatai-web/internal/models"

// LLMParameters holds the optional sampling parameters sent with every completion request. A nil
// field is left to the provider default.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   *int     `yaml:"maxTokens"`
	Stop        []string `yaml:"stop"`
	Seed        *int     `yaml:"seed"`
}

// requestMessages returns the messages to send for a completion: the system prompt if any, the
// history, then the new message.
func requestMessages(systemPrompt string, history []models.Message, msg models.Message) []models.Message {
	msgs := make([]models.Message, 0, len(history)+2)
	if systemPrompt != "" {
		msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, history...)
	return append(msgs, msg)
}
