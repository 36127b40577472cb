package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/facts"
)

// MemoryStore is the long-term note store behind save_memory and
// search_memory. Implemented by [facts.Store].
type MemoryStore interface {
	Save(ctx context.Context, scope, text string, kind facts.Kind) (uuid.UUID, error)
	Search(ctx context.Context, scope, query string, threshold float64, limit int) ([]facts.Match, error)
}

// MemorySettings tunes search_memory.
type MemorySettings struct {
	MatchThreshold float64
	MatchCount     int
}

// RegisterMemoryTools adds save_memory and search_memory. Both are
// scoped to the calling conversation.
func RegisterMemoryTools(r *Registry, store MemoryStore, settings MemorySettings) error {
	if settings.MatchCount <= 0 {
		settings.MatchCount = 5
	}

	if err := r.Register(&Tool{
		Name: "save_memory",
		Description: "Saves important information, facts, tasks, or debriefs to the user's long-term memory. " +
			"Use when the user asks you to remember something or to note something down.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "The information to remember, written so it makes sense on its own later",
				},
				"type": map[string]any{
					"type":        "string",
					"enum":        []string{string(facts.KindGeneral), string(facts.KindTask), string(facts.KindDebrief)},
					"description": "What kind of memory this is (default: general)",
				},
			},
			"required": []string{"text"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			text, err := requireString(args, "text")
			if err != nil {
				return "", err
			}
			kind := facts.Kind(stringArg(args, "type"))
			switch kind {
			case facts.KindGeneral, facts.KindTask, facts.KindDebrief:
			case "":
				kind = facts.KindGeneral
			default:
				return "", fmt.Errorf("unknown memory type %q", kind)
			}

			if _, err := store.Save(ctx, ConversationIDFromContext(ctx), text, kind); err != nil {
				return "", fmt.Errorf("saving memory: %w", err)
			}
			return fmt.Sprintf("Success: %s...", prefixRunes(text, 20)), nil
		},
	}); err != nil {
		return err
	}

	return r.Register(&Tool{
		Name: "search_memory",
		Description: "Searches past notes, debriefs, and facts saved for this user. " +
			"Use when you need to answer a question based on the user's past context.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for",
				},
			},
			"required": []string{"query"},
		},
		Idempotent: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, err := requireString(args, "query")
			if err != nil {
				return "", err
			}
			matches, err := store.Search(ctx, ConversationIDFromContext(ctx), query, settings.MatchThreshold, settings.MatchCount)
			if err != nil {
				return "", fmt.Errorf("searching memory: %w", err)
			}
			if len(matches) == 0 {
				return "No relevant memories found.", nil
			}
			lines := make([]string, len(matches))
			for i, m := range matches {
				lines[i] = m.Content
			}
			return strings.Join(lines, "\n"), nil
		},
	})
}

func prefixRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
