package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/memory"
)

// ErrNotFound is returned when a checkpoint id does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// timeLayout is fixed width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store handles checkpoint persistence.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a checkpoint store using the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			trigger TEXT NOT NULL,
			note TEXT,
			state_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			conversation_count INTEGER NOT NULL,
			message_count INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_created
			ON checkpoints(created_at DESC);
	`)
	return err
}

// Create saves a new checkpoint of convs.
func (s *Store) Create(ctx context.Context, trigger Trigger, note string, convs []*memory.Conversation) (*Checkpoint, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	if convs == nil {
		convs = []*memory.Conversation{}
	}
	stateJSON, err := json.Marshal(convs)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	compressed := buf.Bytes()

	msgCount := 0
	for _, c := range convs {
		msgCount += len(c.Messages)
	}

	cp := &Checkpoint{
		ID:                id,
		CreatedAt:         s.now().UTC(),
		Trigger:           trigger,
		Note:              note,
		Conversations:     convs,
		ByteSize:          int64(len(compressed)),
		ConversationCount: len(convs),
		MessageCount:      msgCount,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, created_at, trigger, note, state_gz, byte_size, conversation_count, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), cp.CreatedAt.Format(timeLayout), string(trigger), note, compressed, cp.ByteSize, cp.ConversationCount, msgCount)
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	return cp, nil
}

const fullColumns = `id, created_at, trigger, note, byte_size, conversation_count, message_count, state_gz`

// Get retrieves a checkpoint by ID, including its conversations.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fullColumns+` FROM checkpoints WHERE id = ?`, id.String())
	cp, err := scanFull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cp, err
}

// Latest returns the most recent checkpoint, or nil if none exist.
func (s *Store) Latest(ctx context.Context) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fullColumns+` FROM checkpoints ORDER BY created_at DESC LIMIT 1`)
	cp, err := scanFull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

// List returns checkpoints newest first, without conversation data.
func (s *Store) List(ctx context.Context, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, trigger, note, byte_size, conversation_count, message_count
		FROM checkpoints
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := scanMeta(rows, &cp); err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, &cp)
	}
	return checkpoints, rows.Err()
}

// Delete removes a checkpoint by ID.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Prune deletes all but the newest keep checkpoints and reports how
// many were removed. keep <= 0 disables pruning.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE id NOT IN (
			SELECT id FROM checkpoints
			ORDER BY created_at DESC
			LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeta(row scanner, cp *Checkpoint, extra ...any) error {
	var idStr, createdStr, triggerStr string
	var note sql.NullString

	dest := append([]any{&idStr, &createdStr, &triggerStr, &note, &cp.ByteSize, &cp.ConversationCount, &cp.MessageCount}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("parse id %q: %w", idStr, err)
	}
	cp.ID = id
	cp.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	cp.Trigger = Trigger(triggerStr)
	cp.Note = note.String
	return nil
}

func scanFull(row scanner) (*Checkpoint, error) {
	var cp Checkpoint
	var stateGz []byte
	if err := scanMeta(row, &cp, &stateGz); err != nil {
		return nil, err
	}

	gr, err := gzip.NewReader(bytes.NewReader(stateGz))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if err := json.Unmarshal(stateJSON, &cp.Conversations); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &cp, nil
}
