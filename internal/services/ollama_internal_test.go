package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/ollama/ollama/api"
)

func TestOllamaError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		wantAPIErr bool
	}{
		{
			name:       "Status error",
			err:        api.StatusError{StatusCode: http.StatusUnauthorized, ErrorMessage: "unauthorized"},
			wantAPIErr: true,
		},
		{
			name:       "Relayed error body",
			err:        errors.New(`model "m" not found, try pulling it first`),
			status:     http.StatusNotFound,
			wantAPIErr: true,
		},
		{
			name:   "Dropped connection",
			err:    io.ErrUnexpectedEOF,
			status: http.StatusOK,
		},
		{
			name: "Dropped connection before status",
			err:  fmt.Errorf("read: %w", io.ErrUnexpectedEOF),
		},
		{
			name:   "Context cancelled",
			err:    context.Canceled,
			status: http.StatusNotFound,
		},
		{
			name:   "Unknown error with success status",
			err:    errors.New("llama runner process has terminated"),
			status: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ollamaError(tt.err, tt.status)

			var apiErr *APIError
			var transportErr *TransportError
			if tt.wantAPIErr {
				if !errors.As(err, &apiErr) {
					t.Fatalf("ollamaError() = %v, want *APIError", err)
				}
				return
			}
			if !errors.As(err, &transportErr) {
				t.Fatalf("ollamaError() = %v, want *TransportError", err)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("ollamaError() = %v, should wrap %v", err, tt.err)
			}
		})
	}
}
