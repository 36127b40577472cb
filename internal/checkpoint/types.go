// Package checkpoint snapshots conversation history so it can be
// inspected or restored later.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/memory"
)

// Trigger describes what caused a checkpoint to be created.
type Trigger string

const (
	TriggerManual   Trigger = "manual"   // Explicit API or CLI call
	TriggerPeriodic Trigger = "periodic" // Every N turns
	TriggerShutdown Trigger = "shutdown" // Graceful shutdown
)

// Checkpoint is a point-in-time snapshot of every conversation.
type Checkpoint struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Trigger   Trigger   `json:"trigger"`
	Note      string    `json:"note,omitempty"`

	// Conversations is nil in listings; only Get and Latest load it.
	Conversations []*memory.Conversation `json:"conversations,omitempty"`

	ByteSize          int64 `json:"byte_size"` // compressed
	ConversationCount int   `json:"conversation_count"`
	MessageCount      int   `json:"message_count"`
}

// Summary returns a one-line description for CLI listings.
func (c *Checkpoint) Summary() string {
	return fmt.Sprintf("%s | %s | %-8s | %s, %s",
		c.ID.String()[:8],
		c.CreatedAt.Local().Format("2006-01-02 15:04"),
		c.Trigger,
		formatCount(c.ConversationCount, "conversation"),
		formatCount(c.MessageCount, "msg"),
	)
}

func formatCount(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
