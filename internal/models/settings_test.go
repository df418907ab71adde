package models_test

import (
	"testing"

	"github.com/MegaGrindStone/chatai-web/internal/models"
)

func TestSettingsCredentials(t *testing.T) {
	tests := []struct {
		name     string
		settings models.Settings
		want     models.Credentials
		fallback bool
	}{
		{
			name: "User key selects paid model",
			settings: models.Settings{
				APIKey:         "user-key",
				FallbackAPIKey: "free-key",
				Model:          "openai/gpt-3.5-turbo-1106",
				FallbackModel:  "mistralai/mistral-7b-instruct:free",
			},
			want: models.Credentials{APIKey: "user-key", Model: "openai/gpt-3.5-turbo-1106"},
		},
		{
			name: "Empty key selects fallback pair",
			settings: models.Settings{
				FallbackAPIKey: "free-key",
				Model:          "openai/gpt-3.5-turbo-1106",
				FallbackModel:  "mistralai/mistral-7b-instruct:free",
			},
			want:     models.Credentials{APIKey: "free-key", Model: "mistralai/mistral-7b-instruct:free"},
			fallback: true,
		},
		{
			name: "Missing fallback model keeps configured model",
			settings: models.Settings{
				FallbackAPIKey: "free-key",
				Model:          "llama3.2",
			},
			want:     models.Credentials{APIKey: "free-key", Model: "llama3.2"},
			fallback: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.settings.Credentials(); got != tt.want {
				t.Errorf("Credentials() = %+v, want %+v", got, tt.want)
			}
			if got := tt.settings.UsingFallback(); got != tt.fallback {
				t.Errorf("UsingFallback() = %v, want %v", got, tt.fallback)
			}
		})
	}
}
