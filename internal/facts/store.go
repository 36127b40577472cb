// Package facts provides the long-term memory store behind the
// save_memory and search_memory tools. Memories are scoped to a
// conversation and ranked by embedding similarity.
package facts

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/embeddings"
)

// Kind labels what sort of memory was saved.
type Kind string

const (
	KindGeneral Kind = "general"
	KindTask    Kind = "task"
	KindDebrief Kind = "debrief"
)

// Memory is one saved piece of text.
type Memory struct {
	ID        uuid.UUID `json:"id"`
	Scope     string    `json:"scope"`
	Content   string    `json:"content"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// Match is a search hit with its relevance score in [0, 1] for
// keyword matches or [-1, 1] for cosine similarity.
type Match struct {
	Memory
	Score float32 `json:"score"`
}

// Store manages memory persistence.
type Store struct {
	db       *sql.DB
	embedder embeddings.Embedder
	logger   *slog.Logger
}

// NewStore opens (or creates) the memory database at dbPath. embedder
// may be nil, in which case search falls back to keyword matching.
func NewStore(dbPath string, embedder embeddings.Embedder, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := NewStoreWithDB(db, embedder, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB creates a memory store using an existing database connection.
func NewStoreWithDB(db *sql.DB, embedder embeddings.Embedder, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, embedder: embedder, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			content TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'general',
			embedding BLOB,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope, created_at DESC);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores text under scope and returns its ID. An embedding is
// attached when an embedder is configured; a failed embedding is
// logged and the memory is kept for keyword search.
func (s *Store) Save(ctx context.Context, scope, text string, kind Kind) (uuid.UUID, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return uuid.Nil, fmt.Errorf("memory text is empty")
	}
	if kind == "" {
		kind = KindGeneral
	}

	var blob []byte
	if s.embedder != nil {
		vec, err := s.embedder.Generate(ctx, text)
		if err != nil {
			s.logger.Warn("embedding failed, saving without vector", "scope", scope, "error", err)
		} else {
			blob = encodeEmbedding(vec)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate id: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, scope, content, kind, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), scope, text, string(kind), blob, now.Format(time.RFC3339Nano))
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert memory: %w", err)
	}

	s.logger.Debug("memory saved", "scope", scope, "id", id, "kind", kind, "embedded", blob != nil)
	return id, nil
}

// Search ranks the memories in scope against query and returns at most
// limit matches. With an embedder, memories whose cosine similarity is
// below threshold are dropped; memories without a vector (or every
// memory, when no embedder is configured) are scored by keyword
// overlap instead.
func (s *Store) Search(ctx context.Context, scope, query string, threshold float64, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 5
	}

	var queryVec []float32
	if s.embedder != nil {
		vec, err := s.embedder.Generate(ctx, query)
		if err != nil {
			s.logger.Warn("query embedding failed, using keyword search", "scope", scope, "error", err)
		} else {
			queryVec = vec
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, content, kind, embedding, created_at
		FROM memories WHERE scope = ?
		ORDER BY created_at DESC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	terms := keywordTerms(query)
	var matches []Match
	for rows.Next() {
		m, vec, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}

		var score float32
		if queryVec != nil && vec != nil {
			score = embeddings.CosineSimilarity(queryVec, vec)
			if float64(score) < threshold {
				continue
			}
		} else {
			score = keywordScore(query, terms, m.Content)
			if score == 0 {
				continue
			}
		}
		matches = append(matches, Match{Memory: *m, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Count returns the number of memories saved in scope.
func (s *Store) Count(ctx context.Context, scope string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE scope = ?`, scope).Scan(&n)
	return n, err
}

func scanMemory(rows *sql.Rows) (*Memory, []float32, error) {
	var m Memory
	var idStr, kind, createdStr string
	var blob []byte

	if err := rows.Scan(&idStr, &m.Scope, &m.Content, &kind, &blob, &createdStr); err != nil {
		return nil, nil, err
	}

	var err error
	m.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, nil, fmt.Errorf("parse memory id: %w", err)
	}
	m.Kind = Kind(kind)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return &m, decodeEmbedding(blob), nil
}

// keywordTerms lowercases query and splits it into words of three or
// more letters or digits.
func keywordTerms(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := words[:0]
	for _, w := range words {
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

// keywordScore is 1 for a whole-phrase hit, otherwise the fraction of
// terms found in content.
func keywordScore(query string, terms []string, content string) float32 {
	lc := strings.ToLower(content)
	if q := strings.ToLower(strings.TrimSpace(query)); q != "" && strings.Contains(lc, q) {
		return 1
	}
	if len(terms) == 0 {
		return 0
	}
	hits := 0
	for _, t := range terms {
		if strings.Contains(lc, t) {
			hits++
		}
	}
	return float32(hits) / float32(len(terms))
}

// --- embedding helpers ---

func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	result := make([]float32, len(data)/4)
	for i := range result {
		result[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return result
}
