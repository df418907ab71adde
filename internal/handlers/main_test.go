package handlers_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/chatai-web/internal/handlers"
	"github.com/MegaGrindStone/chatai-web/internal/models"
	"github.com/MegaGrindStone/chatai-web/internal/services"
	"github.com/MegaGrindStone/chatai-web/internal/session"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type mockCompleter struct {
	answer string
	err    error

	// block, when set, holds every Complete call until it is closed or the context ends.
	block chan struct{}

	mu    sync.Mutex
	creds []models.Credentials
}

type mockStore struct {
	mu   sync.Mutex
	keys map[string]string
}

func TestNewMain(t *testing.T) {
	main, err := handlers.NewMain(&mockCompleter{}, nil, testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	main := newTestMain(t, &mockCompleter{answer: "Hi there"}, nil)

	tests := []struct {
		name       string
		method     string
		url        string
		wantStatus int
		wantBody   string
		wantCookie bool
	}{
		{
			name:       "New session",
			method:     http.MethodGet,
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   "Free model",
			wantCookie: true,
		},
		{
			name:       "Unknown path",
			method:     http.MethodGet,
			url:        "/unknown",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Invalid method",
			method:     http.MethodPost,
			url:        "/",
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}

			gotCookie := len(w.Result().Cookies()) > 0
			if gotCookie != tt.wantCookie {
				t.Errorf("HandleHome() set cookie = %v, want %v", gotCookie, tt.wantCookie)
			}
		})
	}
}

func TestHandleHomeKeepsSession(t *testing.T) {
	main := newTestMain(t, &mockCompleter{answer: "**Hi** there"}, nil)
	cookie := sessionCookie()

	w := postForm(main.HandleChats, "/chats", url.Values{"message": {"Hello <b>"}}, cookie)
	if w.Code != http.StatusAccepted {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
	}

	body := waitHome(t, main, cookie, "<strong>Hi</strong> there")

	if !strings.Contains(body, "Hello &lt;b&gt;") {
		t.Errorf("HandleHome() body should contain the escaped user message, got %v", body)
	}
	if strings.Contains(body, "Hello <b>") {
		t.Error("HandleHome() body should not contain the raw user message")
	}
}

func TestHandleChats(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		message    string
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "Whitespace message",
			method:     http.MethodPost,
			message:    "  ",
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "New message",
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newTestMain(t, &mockCompleter{answer: "AI response"}, nil)

			form := strings.NewReader(url.Values{"message": {tt.message}}.Encode())
			req := httptest.NewRequest(tt.method, "/chats", form)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.AddCookie(sessionCookie())
			w := httptest.NewRecorder()

			main.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleChatsBusy(t *testing.T) {
	llm := &mockCompleter{answer: "AI response", block: make(chan struct{})}
	main := newTestMain(t, llm, nil)
	cookie := sessionCookie()

	w := postForm(main.HandleChats, "/chats", url.Values{"message": {"first"}}, cookie)
	if w.Code != http.StatusAccepted {
		t.Fatalf("first HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
	}

	w = postForm(main.HandleChats, "/chats", url.Values{"message": {"second"}}, cookie)
	if w.Code != http.StatusNoContent {
		t.Errorf("second HandleChats() status = %v, want %v", w.Code, http.StatusNoContent)
	}

	// Another browser is not blocked by the first one.
	w = postForm(main.HandleChats, "/chats", url.Values{"message": {"other"}}, sessionCookie())
	if w.Code != http.StatusAccepted {
		t.Errorf("other session HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
	}

	close(llm.block)

	body := waitHome(t, main, cookie, "AI response")
	if strings.Contains(body, "second") {
		t.Error("rejected message should not be part of the conversation")
	}
}

func TestHandleChatsError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantText string
	}{
		{
			name:     "API error",
			err:      &services.APIError{Provider: "openrouter", StatusCode: http.StatusUnauthorized, Message: "bad key"},
			wantText: session.APIErrorText,
		},
		{
			name:     "Transport error",
			err:      &services.TransportError{Provider: "openrouter", Err: errors.New("connection refused")},
			wantText: session.TransportErrorText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newTestMain(t, &mockCompleter{err: tt.err}, nil)
			cookie := sessionCookie()

			w := postForm(main.HandleChats, "/chats", url.Values{"message": {"Hello"}}, cookie)
			if w.Code != http.StatusAccepted {
				t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
			}

			waitHome(t, main, cookie, tt.wantText)
		})
	}
}

func TestHandleKey(t *testing.T) {
	llm := &mockCompleter{answer: "ok"}
	store := &mockStore{keys: make(map[string]string)}
	main := newTestMain(t, llm, store)
	cookie := sessionCookie()

	w := postForm(main.HandleKey, "/key", url.Values{"api_key": {"  sk-user  "}}, cookie)
	if w.Code != http.StatusNoContent {
		t.Fatalf("HandleKey() status = %v, want %v", w.Code, http.StatusNoContent)
	}

	if got := store.key(cookie.Value); got != "sk-user" {
		t.Errorf("saved key = %q, want %q", got, "sk-user")
	}

	waitHome(t, main, cookie, "Your API key")

	w = postForm(main.HandleChats, "/chats", url.Values{"message": {"Hello"}}, cookie)
	if w.Code != http.StatusAccepted {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
	}
	waitHome(t, main, cookie, "<p>ok</p>")

	want := models.Credentials{APIKey: "sk-user", Model: "paid-model"}
	if got := llm.lastCreds(); got != want {
		t.Errorf("credentials = %+v, want %+v", got, want)
	}

	// Clearing the key switches back to the free model.
	w = postForm(main.HandleKey, "/key", url.Values{"api_key": {""}}, cookie)
	if w.Code != http.StatusNoContent {
		t.Fatalf("HandleKey() status = %v, want %v", w.Code, http.StatusNoContent)
	}
	waitHome(t, main, cookie, "Free model")

	req := httptest.NewRequest(http.MethodGet, "/key", nil)
	rec := httptest.NewRecorder()
	main.HandleKey(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("HandleKey() status = %v, want %v", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleKeyRestoredOnRestart(t *testing.T) {
	store := &mockStore{keys: make(map[string]string)}
	cookie := sessionCookie()
	store.keys[cookie.Value] = "sk-saved"

	main := newTestMain(t, &mockCompleter{}, store)

	waitHome(t, main, cookie, "Your API key")
}

func TestHandleReset(t *testing.T) {
	llm := &mockCompleter{answer: "AI response", block: make(chan struct{})}
	main := newTestMain(t, llm, nil)
	cookie := sessionCookie()

	w := postForm(main.HandleChats, "/chats", url.Values{"message": {"Forget me"}}, cookie)
	if w.Code != http.StatusAccepted {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
	}
	waitHome(t, main, cookie, "Forget me")

	w = postForm(main.HandleReset, "/reset", nil, cookie)
	if w.Code != http.StatusNoContent {
		t.Fatalf("HandleReset() status = %v, want %v", w.Code, http.StatusNoContent)
	}

	close(llm.block)

	// The session accepts new messages right away.
	w = postForm(main.HandleChats, "/chats", url.Values{"message": {"Fresh start"}}, cookie)
	if w.Code != http.StatusAccepted {
		t.Fatalf("HandleChats() after reset status = %v, want %v", w.Code, http.StatusAccepted)
	}

	body := waitHome(t, main, cookie, "AI response")
	if strings.Contains(body, "Forget me") {
		t.Error("conversation should not contain messages from before the reset")
	}
	if strings.Count(body, "AI response") != 1 {
		t.Errorf("conversation should contain exactly one answer, got %v", body)
	}
}

func TestHandleSSE(t *testing.T) {
	main := newTestMain(t, &mockCompleter{answer: "ok"}, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/", main.HandleHome)
	mux.HandleFunc("/chats", main.HandleChats)
	mux.HandleFunc("/sse", main.HandleSSE)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Jar: jar}

	res, err := client.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	res.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET /sse error = %v", err)
	}
	defer stream.Body.Close()

	events := make(chan sse.Event)
	go func() {
		defer close(events)
		for ev, err := range sse.Read(stream.Body, nil) {
			if err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	// The server flushes the response headers before it subscribes the connection.
	time.Sleep(100 * time.Millisecond)

	res, err = client.PostForm(srv.URL+"/chats", url.Values{"message": {"hi"}})
	if err != nil {
		t.Fatalf("POST /chats error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /chats status = %v, want %v", res.StatusCode, http.StatusAccepted)
	}

	var got []sse.Event
	for ev := range events {
		got = append(got, ev)
		if ev.Type == "status" && strings.Contains(ev.Data, `"busy":false`) && seenType(got, "replace") {
			break
		}
	}
	if ctx.Err() != nil {
		t.Fatalf("timed out waiting for the reveal, got events %+v", got)
	}

	var appends, replaces []sse.Event
	for _, ev := range got {
		switch ev.Type {
		case "append":
			appends = append(appends, ev)
		case "replace":
			replaces = append(replaces, ev)
		}
	}

	if len(appends) != 2 {
		t.Fatalf("got %d append events, want 2: %+v", len(appends), got)
	}
	if !strings.Contains(appends[0].Data, "hi") || !strings.Contains(appends[0].Data, `class="chat-item user"`) {
		t.Errorf("first append should carry the user message, got %v", appends[0].Data)
	}
	if !strings.Contains(appends[1].Data, "<p>o</p>") {
		t.Errorf("second append should carry the first revealed character, got %v", appends[1].Data)
	}
	if len(replaces) != 1 || !strings.Contains(replaces[0].Data, "<p>ok</p>") {
		t.Errorf("replace events = %+v, want one carrying the full answer", replaces)
	}
}

func TestHandleSSEClosedPageEndsSession(t *testing.T) {
	llm := &mockCompleter{answer: "ok", block: make(chan struct{})}
	main := newTestMain(t, llm, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/", main.HandleHome)
	mux.HandleFunc("/chats", main.HandleChats)
	mux.HandleFunc("/sse", main.HandleSSE)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	cookie := sessionCookie()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	jar.SetCookies(u, []*http.Cookie{cookie})
	client := &http.Client{Jar: jar}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET /sse error = %v", err)
	}

	// The first events are the snapshot of the new session.
	var got []sse.Event
	for ev, err := range sse.Read(stream.Body, nil) {
		if err != nil {
			t.Fatalf("reading snapshot: %v", err)
		}
		got = append(got, ev)
		if ev.Type == "status" {
			break
		}
	}
	if len(got) != 2 || got[0].Type != "reset" {
		t.Errorf("snapshot = %+v, want a reset followed by the status", got)
	}

	res, err := client.PostForm(srv.URL+"/chats", url.Values{"message": {"Forget me"}})
	if err != nil {
		t.Fatalf("POST /chats error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /chats status = %v, want %v", res.StatusCode, http.StatusAccepted)
	}

	// Closing the only page ends the session and abandons its request.
	cancel()
	stream.Body.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(cookie)
		w := httptest.NewRecorder()
		main.HandleHome(w, req)

		if !strings.Contains(w.Body.String(), "Forget me") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session outlived its only page")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(llm.block)
	time.Sleep(20 * time.Millisecond)

	body := waitHome(t, main, cookie, "Free model")
	if strings.Contains(body, "ok</p>") {
		t.Error("the abandoned answer should not reach the new conversation")
	}
}

func (m *mockCompleter) Complete(
	ctx context.Context,
	_ []models.Message,
	_ models.Message,
	creds models.Credentials,
) (models.Message, error) {
	m.mu.Lock()
	m.creds = append(m.creds, creds)
	m.mu.Unlock()

	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return models.Message{}, ctx.Err()
		}
	}
	if m.err != nil {
		return models.Message{}, m.err
	}
	return models.Message{Role: models.RoleAssistant, Content: m.answer}, nil
}

func (m *mockCompleter) lastCreds() models.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.creds) == 0 {
		return models.Credentials{}
	}
	return m.creds[len(m.creds)-1]
}

func (m *mockStore) APIKey(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.keys[sessionID], nil
}

func (m *mockStore) SaveAPIKey(_ context.Context, sessionID, apiKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if apiKey == "" {
		delete(m.keys, sessionID)
		return nil
	}
	m.keys[sessionID] = apiKey
	return nil
}

func (m *mockStore) key(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.keys[sessionID]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() session.Config {
	return session.Config{
		Settings: models.Settings{
			FallbackAPIKey: "sk-free",
			Model:          "paid-model",
			FallbackModel:  "free-model",
		},
		RevealInterval: time.Millisecond,
	}
}

func newTestMain(t *testing.T, llm *mockCompleter, store *mockStore) handlers.Main {
	t.Helper()

	var credStore session.CredentialStore
	if store != nil {
		credStore = store
	}

	main, err := handlers.NewMain(llm, credStore, testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	t.Cleanup(func() {
		if err := main.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return main
}

func sessionCookie() *http.Cookie {
	return &http.Cookie{Name: "chatai_session", Value: uuid.New().String()}
}

func postForm(handler http.HandlerFunc, target string, form url.Values, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	w := httptest.NewRecorder()

	handler(w, req)

	return w
}

// waitHome polls the home page of the session until it contains want and returns the last body.
func waitHome(t *testing.T, main handlers.Main, cookie *http.Cookie, want string) string {
	t.Helper()

	var body string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(cookie)
		w := httptest.NewRecorder()

		main.HandleHome(w, req)

		body = w.Body.String()
		if w.Code == http.StatusOK && strings.Contains(body, want) {
			return body
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("home page never contained %q, last body %v", want, body)
	return body
}

func seenType(events []sse.Event, typ string) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}
