package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/memory"
)

// newTokenServer fakes the provider's token endpoint. Only goodCode is
// accepted.
func newTokenServer(t *testing.T, goodCode string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var exchanges atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		exchanges.Add(1)
		if r.FormValue("code") != goodCode {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"access-123","token_type":"Bearer","refresh_token":"refresh-456","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &exchanges
}

func newTestGate(t *testing.T, tokenURL string) (*Gate, *memory.MemStore) {
	t.Helper()
	store := memory.NewMemStore()
	g := NewGate(Config{
		Enabled:  true,
		ClientID: "client",
		AuthURL:  "https://accounts.example.com/o/auth",
		TokenURL: tokenURL,
		Scopes:   []string{"calendar"},
	}, store, nil)
	return g, store
}

func TestGate_Disabled(t *testing.T) {
	g := NewGate(Config{}, memory.NewMemStore(), nil)
	d, err := g.Check(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Proceed {
		t.Error("disabled gate should always proceed")
	}
}

func TestGate_FullFlow(t *testing.T) {
	const code = "4/0AX4XfWh-good-code"
	srv, exchanges := newTokenServer(t, code)
	g, store := newTestGate(t, srv.URL)
	ctx := context.Background()

	// Unauthenticated: prompt with link.
	d, err := g.Check(ctx, "chat-9", "add lunch tomorrow")
	if err != nil {
		t.Fatal(err)
	}
	if d.Proceed {
		t.Fatal("unauthenticated conversation must not proceed")
	}
	if !strings.Contains(d.Reply, "Action Required") || !strings.Contains(d.Reply, d.AuthURL) {
		t.Errorf("reply = %q", d.Reply)
	}
	u, err := url.Parse(d.AuthURL)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("redirect_uri") != OutOfBandRedirect {
		t.Errorf("redirect_uri = %q", u.Query().Get("redirect_uri"))
	}
	if u.Query().Get("access_type") != "offline" {
		t.Errorf("access_type = %q", u.Query().Get("access_type"))
	}
	st, _ := store.AuthState(ctx, "chat-9")
	if st.Phase != memory.AuthAwaitingCode || st.Nonce == "" {
		t.Fatalf("state = %+v, want awaiting code", st)
	}

	// Too short to be a code: no exchange attempted.
	d, _ = g.Check(ctx, "chat-9", "ok")
	if d.Reply != ReplyCodeTooShort {
		t.Errorf("short reply = %q", d.Reply)
	}
	if exchanges.Load() != 0 {
		t.Errorf("exchanges = %d, want 0", exchanges.Load())
	}

	// Wrong code: stays awaiting.
	d, _ = g.Check(ctx, "chat-9", "definitely-not-the-code")
	if !strings.HasPrefix(d.Reply, "Authorization failed.") {
		t.Errorf("failure reply = %q", d.Reply)
	}
	st, _ = store.AuthState(ctx, "chat-9")
	if st.Phase != memory.AuthAwaitingCode {
		t.Errorf("phase after failure = %q", st.Phase)
	}

	// Right code.
	d, _ = g.Check(ctx, "chat-9", "  "+code+"  ")
	if d.Reply != ReplyAuthorized || d.Proceed {
		t.Errorf("success decision = %+v", d)
	}
	st, _ = store.AuthState(ctx, "chat-9")
	if st.Phase != memory.AuthAuthenticated || !strings.Contains(string(st.Credential), "access-123") {
		t.Errorf("state = %+v", st)
	}

	// Authenticated: proceed.
	d, _ = g.Check(ctx, "chat-9", "what's on today?")
	if !d.Proceed {
		t.Error("authenticated conversation should proceed")
	}

	// Other conversations are unaffected.
	d, _ = g.Check(ctx, "chat-10", "hello")
	if d.Proceed {
		t.Error("authorization must be per conversation")
	}
}

func TestGate_HTTPClientSendsToken(t *testing.T) {
	const code = "4/0AX4XfWh-good-code"
	srv, _ := newTokenServer(t, code)
	g, _ := newTestGate(t, srv.URL)
	ctx := context.Background()

	if _, err := g.HTTPClient(ctx, "chat-1"); err != ErrNotAuthorized {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}

	g.Check(ctx, "chat-1", "hi")
	g.Check(ctx, "chat-1", code)

	var gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer api.Close()

	hc, err := g.HTTPClient(ctx, "chat-1")
	if err != nil {
		t.Fatalf("HTTPClient error: %v", err)
	}
	resp, err := hc.Get(api.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if gotAuth != "Bearer access-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestGate_Callback(t *testing.T) {
	const code = "4/0AX4XfWh-good-code"
	srv, _ := newTokenServer(t, code)
	g, store := newTestGate(t, srv.URL)
	ctx := context.Background()

	d, _ := g.Check(ctx, "chat/with/slashes", "hi")
	u, _ := url.Parse(d.AuthURL)
	state := u.Query().Get("state")

	if _, err := g.Callback(ctx, "bogus", code); err == nil {
		t.Error("malformed state should fail")
	}
	if _, err := g.Callback(ctx, encodeState("chat/with/slashes", "wrong-nonce"), code); err == nil {
		t.Error("stale nonce should fail")
	}

	id, err := g.Callback(ctx, state, code)
	if err != nil {
		t.Fatalf("Callback error: %v", err)
	}
	if id != "chat/with/slashes" {
		t.Errorf("conversation = %q", id)
	}
	st, _ := store.AuthState(ctx, id)
	if st.Phase != memory.AuthAuthenticated {
		t.Errorf("phase = %q", st.Phase)
	}
}

func TestGate_PendingURL(t *testing.T) {
	g, _ := newTestGate(t, "http://127.0.0.1:1/token")
	ctx := context.Background()

	if u, _ := g.PendingURL(ctx, "c"); u != "" {
		t.Errorf("PendingURL before prompt = %q", u)
	}
	d, _ := g.Check(ctx, "c", "hi")
	u, err := g.PendingURL(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if u != d.AuthURL {
		t.Errorf("PendingURL = %q, want %q", u, d.AuthURL)
	}
}

func TestStateRoundTrip(t *testing.T) {
	id, nonce, err := parseState(encodeState("conv.1", "n-1"))
	if err != nil {
		t.Fatal(err)
	}
	if id != "conv.1" || nonce != "n-1" {
		t.Errorf("got %q %q", id, nonce)
	}
}
