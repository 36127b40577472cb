package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/agent"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/memory"
)

// Config for the checkpointer.
type Config struct {
	EveryTurns int // checkpoint every N completed turns (0 = disabled)
	Keep       int // newest checkpoints kept after each create (0 = all)
}

// Checkpointer snapshots a conversation store on demand, every N turns,
// and at shutdown.
type Checkpointer struct {
	store         *Store
	conversations memory.Store
	cfg           Config
	log           *slog.Logger

	mu         sync.Mutex
	turnsSince int
	pending    sync.WaitGroup
}

// NewCheckpointer creates a checkpointer backed by db that snapshots
// conversations.
func NewCheckpointer(db *sql.DB, conversations memory.Store, cfg Config, log *slog.Logger) (*Checkpointer, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Checkpointer{
		store:         store,
		conversations: conversations,
		cfg:           cfg,
		log:           log.With("component", "checkpoint"),
	}, nil
}

// TurnCompleted counts finished turns and starts a periodic checkpoint
// in the background every cfg.EveryTurns turns.
func (c *Checkpointer) TurnCompleted(ctx context.Context, _ *agent.TurnResult) {
	if c.cfg.EveryTurns <= 0 {
		return
	}

	c.mu.Lock()
	c.turnsSince++
	due := c.turnsSince >= c.cfg.EveryTurns
	if due {
		c.turnsSince = 0
	}
	c.mu.Unlock()

	if !due {
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		if _, err := c.Create(ctx, TriggerPeriodic, ""); err != nil {
			c.log.Error("periodic checkpoint failed", "error", err)
		}
	}()
}

// Wait blocks until background checkpoints have finished.
func (c *Checkpointer) Wait() { c.pending.Wait() }

// Create snapshots every conversation.
func (c *Checkpointer) Create(ctx context.Context, trigger Trigger, note string) (*Checkpoint, error) {
	convs, err := c.conversations.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot conversations: %w", err)
	}

	cp, err := c.store.Create(ctx, trigger, note, convs)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	c.log.Info("checkpoint created",
		"id", cp.ID.String()[:8],
		"trigger", trigger,
		"conversations", cp.ConversationCount,
		"messages", cp.MessageCount,
		"bytes", cp.ByteSize,
	)

	if n, err := c.store.Prune(ctx, c.cfg.Keep); err != nil {
		c.log.Warn("checkpoint prune failed", "error", err)
	} else if n > 0 {
		c.log.Debug("pruned checkpoints", "deleted", n)
	}
	return cp, nil
}

// CreateShutdown creates a checkpoint during graceful shutdown.
func (c *Checkpointer) CreateShutdown(ctx context.Context) (*Checkpoint, error) {
	c.Wait()
	return c.Create(ctx, TriggerShutdown, "graceful shutdown")
}

// Get retrieves a checkpoint by ID.
func (c *Checkpointer) Get(ctx context.Context, id uuid.UUID) (*Checkpoint, error) {
	return c.store.Get(ctx, id)
}

// List returns recent checkpoints.
func (c *Checkpointer) List(ctx context.Context, limit int) ([]*Checkpoint, error) {
	return c.store.List(ctx, limit)
}

// Delete removes a checkpoint.
func (c *Checkpointer) Delete(ctx context.Context, id uuid.UUID) error {
	return c.store.Delete(ctx, id)
}

// Restore replaces the conversation store contents with checkpoint id.
func (c *Checkpointer) Restore(ctx context.Context, id uuid.UUID) (*Checkpoint, error) {
	cp, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	if err := c.restore(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// RestoreLatest restores the newest checkpoint. It returns nil, nil
// when there is none.
func (c *Checkpointer) RestoreLatest(ctx context.Context) (*Checkpoint, error) {
	cp, err := c.store.Latest(ctx)
	if err != nil || cp == nil {
		return nil, err
	}
	if err := c.restore(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func (c *Checkpointer) restore(ctx context.Context, cp *Checkpoint) error {
	c.log.Info("restoring checkpoint",
		"id", cp.ID.String()[:8],
		"created", cp.CreatedAt,
		"conversations", cp.ConversationCount,
		"messages", cp.MessageCount,
	)
	if err := c.conversations.Restore(ctx, cp.Conversations); err != nil {
		return fmt.Errorf("restore conversations: %w", err)
	}
	return nil
}
