package persona

import (
	"strings"
	"testing"
	"time"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/llm"
)

func TestDirective_LocalTime(t *testing.T) {
	sgt := time.FixedZone("SGT", 8*3600)
	inj := NewInjector(Config{Timezone: sgt})

	// 01:30 UTC is 09:30 in Singapore.
	now := time.Date(2026, 1, 5, 1, 30, 0, 0, time.UTC)
	d := inj.Directive(now)

	if d.Role != llm.RoleSystem {
		t.Errorf("role = %q, want system", d.Role)
	}
	for _, want := range []string{
		"You are Gestella",
		"You assist Sir.",
		"Today is: Monday, 05 January 2026, 09:30 AM",
		"Singapore (GMT+8)",
	} {
		if !strings.Contains(d.Content, want) {
			t.Errorf("directive missing %q:\n%s", want, d.Content)
		}
	}
}

func TestApply(t *testing.T) {
	inj := NewInjector(Config{AssistantName: "Nova", Timezone: time.UTC})
	t1 := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(26 * time.Hour)

	tests := []struct {
		name    string
		history []llm.Message
		wantLen int
	}{
		{"empty history", nil, 1},
		{"no directive yet", []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, 2},
		{"stale directive", []llm.Message{
			{Role: llm.RoleSystem, Content: "old"},
			{Role: llm.RoleUser, Content: "hi"},
			{Role: llm.RoleAssistant, Content: "hello"},
		}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := inj.Apply(tt.history, t2)
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
			if got[0].Role != llm.RoleSystem || !strings.Contains(got[0].Content, "Tuesday, 06 January 2026") {
				t.Errorf("head = %+v", got[0])
			}
			systems := 0
			for _, m := range got {
				if m.Role == llm.RoleSystem {
					systems++
				}
			}
			if systems != 1 {
				t.Errorf("system messages = %d, want exactly 1", systems)
			}
		})
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	inj := NewInjector(Config{Timezone: time.UTC})
	history := []llm.Message{{Role: llm.RoleSystem, Content: "old"}, {Role: llm.RoleUser, Content: "hi"}}

	inj.Apply(history, time.Now())
	if history[0].Content != "old" {
		t.Error("Apply modified the caller's slice")
	}
}

func TestApply_RepeatedTurnsKeepSingleDirective(t *testing.T) {
	inj := NewInjector(Config{Timezone: time.UTC})
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	var history []llm.Message
	for turn := 0; turn < 5; turn++ {
		history = inj.Apply(history, now.Add(time.Duration(turn)*time.Hour))
		history = append(history,
			llm.Message{Role: llm.RoleUser, Content: "q"},
			llm.Message{Role: llm.RoleAssistant, Content: "a"},
		)
	}
	for i, m := range history {
		if m.Role == llm.RoleSystem && i != 0 {
			t.Fatalf("directive found at index %d", i)
		}
	}
	if history[0].Role != llm.RoleSystem {
		t.Fatal("directive missing at index 0")
	}
}

func TestDirective_CalendarRules(t *testing.T) {
	now := time.Date(2026, 1, 5, 1, 30, 0, 0, time.UTC)

	off := NewInjector(Config{Timezone: time.UTC}).Directive(now)
	if strings.Contains(off.Content, "add_calendar_event") {
		t.Error("directive without calendar should not mention add_calendar_event")
	}
	on := NewInjector(Config{Timezone: time.UTC, Calendar: true}).Directive(now)
	if !strings.Contains(on.Content, "add_calendar_event") {
		t.Error("directive with calendar should mention add_calendar_event")
	}
}
