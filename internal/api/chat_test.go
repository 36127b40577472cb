package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/auth"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/health"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/memory"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/transcribe"
)

func TestHandleChat(t *testing.T) {
	env := newTestEnv(t)

	resp := env.postJSON(t, "/v1/chat", ChatRequest{Message: "good morning", ConversationID: "c1"})
	wantStatus(t, resp, http.StatusOK)

	got := decode[ChatResponse](t, resp)
	if got.Response != "You said: good morning" || got.ConversationID != "c1" || got.Format != FormatText {
		t.Errorf("response = %+v", got)
	}
}

func TestHandleChat_GeneratesConversationID(t *testing.T) {
	env := newTestEnv(t)

	got := decode[ChatResponse](t, env.postJSON(t, "/v1/chat", ChatRequest{Message: "hi"}))
	if len(got.ConversationID) != 36 {
		t.Errorf("conversation_id = %q, want a uuid", got.ConversationID)
	}
}

func TestHandleChat_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"not json", "hello"},
		{"empty message", `{"message": "   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantStatus(t, env.postJSON(t, "/v1/chat", tt.body), http.StatusBadRequest)
		})
	}
	if calls := env.turns.callLog(); len(calls) != 0 {
		t.Errorf("no turn should run, got %v", calls)
	}
}

func TestHandleChat_StoreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.turns.err = fmt.Errorf("%w: disk full", memory.ErrStoreUnavailable)

	wantStatus(t, env.postJSON(t, "/v1/chat", ChatRequest{Message: "hi"}), http.StatusServiceUnavailable)
}

func TestDeliveryFormat(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   string
	}{
		{"short", "All set!", FormatText},
		{"executive summary", "# Executive Summary\nShort.", FormatDocument},
		{"long", strings.Repeat("a", 2001), FormatDocument},
		{"exactly at limit", strings.Repeat("é", 2000), FormatText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deliveryFormat(tt.answer); got != tt.want {
				t.Errorf("deliveryFormat = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandleChat_AuthGate(t *testing.T) {
	env := newTestEnv(t, func(s *Server) {
		s.SetGate(auth.NewGate(auth.Config{
			Enabled:  true,
			ClientID: "client",
			AuthURL:  "https://accounts.example.com/o/oauth2/auth",
			TokenURL: "https://accounts.example.com/token",
			Scopes:   []string{"calendar"},
		}, s.store, testLogger()))
	})

	got := decode[ChatResponse](t, env.postJSON(t, "/v1/chat", ChatRequest{Message: "book lunch", ConversationID: "c1"}))
	if !strings.HasPrefix(got.Response, "Action Required") || !strings.HasPrefix(got.AuthURL, "https://accounts.example.com/") {
		t.Errorf("response = %+v", got)
	}
	if calls := env.turns.callLog(); len(calls) != 0 {
		t.Errorf("turn ran before authorization: %v", calls)
	}

	got = decode[ChatResponse](t, env.postJSON(t, "/v1/chat", ChatRequest{Message: "abc", ConversationID: "c1"}))
	if got.Response != auth.ReplyCodeTooShort {
		t.Errorf("short code reply = %q", got.Response)
	}

	qr := env.get(t, "/v1/auth/c1/qr.png")
	wantStatus(t, qr, http.StatusOK)
	if ct := qr.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	png, _ := io.ReadAll(qr.Body)
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("qr body is not a PNG")
	}

	wantStatus(t, env.get(t, "/v1/auth/other/qr.png"), http.StatusNotFound)
}

func TestAuthRoutes_Disabled(t *testing.T) {
	env := newTestEnv(t)
	wantStatus(t, env.get(t, "/v1/auth/c1/qr.png"), http.StatusNotFound)
	wantStatus(t, env.get(t, "/v1/auth/callback?state=x&code=y"), http.StatusNotFound)
}

func TestHandleChatCompletions(t *testing.T) {
	env := newTestEnv(t)

	resp := env.postJSON(t, "/v1/chat/completions", `{
		"model": "gestella",
		"user": "kitchen",
		"messages": [
			{"role": "system", "content": "ignored"},
			{"role": "user", "content": "first"},
			{"role": "assistant", "content": "ok"},
			{"role": "user", "content": "second"}
		]
	}`)
	wantStatus(t, resp, http.StatusOK)

	got := decode[ChatCompletionResponse](t, resp)
	if len(got.Choices) != 1 || got.Choices[0].Message.Content != "You said: second" || got.Model != "test-model" {
		t.Errorf("completion = %+v", got)
	}
	if calls := env.turns.callLog(); len(calls) != 1 || calls[0] != "kitchen: second" {
		t.Errorf("turns = %v", calls)
	}

	wantStatus(t, env.postJSON(t, "/v1/chat/completions", `{"messages":[{"role":"system","content":"x"}]}`), http.StatusBadRequest)
}

type fakeTranscriber struct {
	text string
	err  error
	got  string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio io.Reader, filename string) (string, error) {
	data, _ := io.ReadAll(audio)
	f.got = filename + ":" + string(data)
	return f.text, f.err
}

func voiceRequest(t *testing.T, url string, fields map[string]string, audio string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	if audio != "" {
		fw, _ := mw.CreateFormFile("audio", "memo.ogg")
		fw.Write([]byte(audio))
	}
	mw.Close()

	resp, err := http.Post(url+"/v1/voice", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandleVoice(t *testing.T) {
	long := strings.Repeat("We agreed to ship on Friday. ", 30)
	tests := []struct {
		name     string
		text     string
		wantTurn string
	}{
		{"short note", "remind me to call mum", "c1: remind me to call mum"},
		{"meeting", long, "c1: " + MeetingPrefix + strings.TrimSpace(long)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTranscriber{text: tt.text}
			env := newTestEnv(t, func(s *Server) { s.SetTranscriber(tr, 500) })

			resp := voiceRequest(t, env.srv.URL, map[string]string{"conversation_id": "c1"}, "OggS")
			wantStatus(t, resp, http.StatusOK)

			got := decode[ChatResponse](t, resp)
			if got.Transcript != strings.TrimSpace(tt.text) {
				t.Errorf("transcript = %q", got.Transcript)
			}
			if calls := env.turns.callLog(); len(calls) != 1 || calls[0] != tt.wantTurn {
				t.Errorf("turn = %v", calls)
			}
			if tr.got != "memo.ogg:OggS" {
				t.Errorf("transcriber got %q", tr.got)
			}
		})
	}
}

func TestHandleVoice_Errors(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		env := newTestEnv(t)
		wantStatus(t, voiceRequest(t, env.srv.URL, nil, "OggS"), http.StatusServiceUnavailable)
	})
	t.Run("missing audio", func(t *testing.T) {
		env := newTestEnv(t, func(s *Server) { s.SetTranscriber(&fakeTranscriber{}, 0) })
		wantStatus(t, voiceRequest(t, env.srv.URL, map[string]string{"conversation_id": "c1"}, ""), http.StatusBadRequest)
	})
	t.Run("empty audio", func(t *testing.T) {
		env := newTestEnv(t, func(s *Server) { s.SetTranscriber(&fakeTranscriber{err: transcribe.ErrEmptyAudio}, 0) })
		wantStatus(t, voiceRequest(t, env.srv.URL, nil, "x"), http.StatusBadRequest)
	})
	t.Run("provider failure", func(t *testing.T) {
		env := newTestEnv(t, func(s *Server) { s.SetTranscriber(&fakeTranscriber{err: errors.New("503")}, 0) })
		wantStatus(t, voiceRequest(t, env.srv.URL, nil, "x"), http.StatusBadGateway)
	})
	t.Run("silence", func(t *testing.T) {
		env := newTestEnv(t, func(s *Server) { s.SetTranscriber(&fakeTranscriber{text: "  "}, 0) })
		wantStatus(t, voiceRequest(t, env.srv.URL, nil, "x"), http.StatusUnprocessableEntity)
	})
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t)

	health := decode[map[string]string](t, env.get(t, "/health"))
	if health["status"] != "healthy" || health["model"] != "test-model" {
		t.Errorf("health = %v", health)
	}
	version := decode[map[string]string](t, env.get(t, "/v1/version"))
	if version["version"] == "" || version["go_version"] == "" {
		t.Errorf("version = %v", version)
	}
}

func TestWithLogging_RecordsStatus(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	rec.WriteHeader(http.StatusTeapot)
	if rec.status != http.StatusTeapot {
		t.Errorf("status = %d", rec.status)
	}
	if _, _, err := rec.Hijack(); err == nil {
		t.Error("Hijack on a recorder without hijacking support should fail")
	}
}

func TestHealth_Degraded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor := health.NewMonitor(testLogger())
	monitor.Watch(ctx, "model", func(context.Context) error { return errors.New("connection refused") }, health.Schedule{Interval: time.Hour, RetryMin: time.Hour})
	if err := monitor.AwaitFirstCheck(ctx); err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, func(s *Server) { s.SetHealth(monitor) })

	resp := env.get(t, "/health")
	wantStatus(t, resp, http.StatusServiceUnavailable)
	got := decode[struct {
		Status       string          `json:"status"`
		Dependencies []health.Status `json:"dependencies"`
	}](t, resp)
	if got.Status != "degraded" || len(got.Dependencies) != 1 || got.Dependencies[0].LastError != "connection refused" {
		t.Errorf("health = %+v", got)
	}
}
