// Package persona builds the system directive that opens every model
// call: who the assistant is, who it serves, the current local time and
// the standing rules.
package persona

import (
	"time"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/llm"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/prompts"
)

// TimeLayout renders the current time the way the directive states it,
// e.g. "Monday, 05 January 2026, 09:30 AM".
const TimeLayout = "Monday, 02 January 2006, 03:04 PM"

const defaultPersonality = "an elite executive assistant. Efficient, professional, and helpful."

// Config describes the assistant's identity and the principal it serves.
type Config struct {
	AssistantName string
	PrincipalName string
	Location      string
	Timezone      *time.Location
	Personality   string
	Language      string
	// Calendar is set when the calendar tools are available.
	Calendar   bool
	ExtraRules []string
}

// Injector renders and applies the system directive. It holds no
// mutable state and is safe for concurrent use.
type Injector struct {
	cfg Config
}

// NewInjector creates an Injector, filling unset fields with defaults.
func NewInjector(cfg Config) *Injector {
	if cfg.AssistantName == "" {
		cfg.AssistantName = "Gestella"
	}
	if cfg.PrincipalName == "" {
		cfg.PrincipalName = "Sir"
	}
	if cfg.Location == "" {
		cfg.Location = "Singapore (GMT+8)"
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.Local
	}
	if cfg.Personality == "" {
		cfg.Personality = defaultPersonality
	}
	if cfg.Language == "" {
		cfg.Language = "English"
	}
	return &Injector{cfg: cfg}
}

// Directive returns the system message for the given instant.
func (i *Injector) Directive(now time.Time) llm.Message {
	return llm.Message{
		Role: llm.RoleSystem,
		Content: prompts.PersonaPrompt(prompts.PersonaParams{
			AssistantName: i.cfg.AssistantName,
			PrincipalName: i.cfg.PrincipalName,
			Personality:   i.cfg.Personality,
			Location:      i.cfg.Location,
			Language:      i.cfg.Language,
			Now:           now.In(i.cfg.Timezone).Format(TimeLayout),
			Calendar:      i.cfg.Calendar,
			ExtraRules:    i.cfg.ExtraRules,
		}),
	}
}

// Apply returns history with a fresh directive at index 0. An existing
// system message at the head is replaced; otherwise the directive is
// prepended. history itself is not modified.
func (i *Injector) Apply(history []llm.Message, now time.Time) []llm.Message {
	d := i.Directive(now)
	if len(history) > 0 && history[0].Role == llm.RoleSystem {
		out := make([]llm.Message, len(history))
		copy(out, history)
		out[0] = d
		return out
	}
	out := make([]llm.Message, 0, len(history)+1)
	out = append(out, d)
	return append(out, history...)
}
