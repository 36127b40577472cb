package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/checkpoint"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/llm"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/memory"
)

// fakeTurns records turns and stores them like the real loop does.
type fakeTurns struct {
	mu     sync.Mutex
	store  memory.Store
	calls  []string
	answer func(text string) string
	err    error
}

func (f *fakeTurns) HandleTurn(ctx context.Context, id, text string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id+": "+text)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	answer := "You said: " + text
	if f.answer != nil {
		answer = f.answer(text)
	}
	if f.store != nil {
		f.store.Append(ctx, id,
			llm.Message{Role: llm.RoleUser, Content: text},
			llm.Message{Role: llm.RoleAssistant, Content: answer},
		)
	}
	return answer, nil
}

func (f *fakeTurns) Model() string { return "test-model" }

func (f *fakeTurns) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	srv   *httptest.Server
	api   *Server
	turns *fakeTurns
	store *memory.MemStore
}

func newTestEnv(t *testing.T, configure ...func(*Server)) *testEnv {
	t.Helper()
	store := memory.NewMemStore()
	turns := &fakeTurns{store: store}
	s := NewServer("", 0, turns, store, testLogger())
	for _, fn := range configure {
		fn(s)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, api: s, turns: turns, store: store}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case string:
		r = strings.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		r = strings.NewReader(string(data))
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", r)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode %T: %v", v, err)
	}
	return v
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, want, body)
	}
}

func newTestCheckpointer(t *testing.T, store memory.Store) *checkpoint.Checkpointer {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	cp, err := checkpoint.NewCheckpointer(db, store, checkpoint.Config{}, testLogger())
	if err != nil {
		t.Fatal(fmt.Errorf("new checkpointer: %w", err))
	}
	return cp
}
