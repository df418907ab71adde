package models

// Settings holds the credential choice of a session. APIKey is what the user typed in the key dialog;
// the fallback pair is the built-in free-tier credential used while APIKey is empty.
type Settings struct {
	APIKey         string
	FallbackAPIKey string
	Model          string
	FallbackModel  string
}

// Credentials is the resolved bearer token and model name for a single completion request.
type Credentials struct {
	APIKey string
	Model  string
}

// Credentials resolves the key and model to send. A user key selects the configured model, an empty
// one selects the fallback key and the fallback model, or the configured model when no fallback
// model is set.
func (s Settings) Credentials() Credentials {
	if s.APIKey != "" {
		return Credentials{APIKey: s.APIKey, Model: s.Model}
	}

	model := s.FallbackModel
	if model == "" {
		model = s.Model
	}
	return Credentials{APIKey: s.FallbackAPIKey, Model: model}
}

// UsingFallback reports whether requests go out with the fallback credential.
func (s Settings) UsingFallback() bool {
	return s.APIKey == ""
}
