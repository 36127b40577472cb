package prompts

import (
	"fmt"
	"strings"
)

// personaTemplate is the system directive injected at the head of every
// model call. Format verbs: 1: assistant name, 2: personality,
// 3: principal name, 4: current time, 5: location.
const personaTemplate = `You are %s, %s You assist %s.

CURRENT CONTEXT:
- Today is: %s
- User Location: %s

RULES:
`

// calendarRules are only given when the calendar tools are registered.
var calendarRules = []string{
	"If the user provides enough info for a calendar event (what and when), create it immediately with add_calendar_event.",
	"If details are missing, ask for them.",
}

// relativeDateRule tells the model which clock to resolve relative
// dates against. The format verb is the current time string.
const relativeDateRule = `When the user says "tomorrow", "next week" or similar, calculate the date from 'Today is: %s'.`

const meetingRule = `If the user sends a long voice note or transcript, or asks for a meeting summary, use the analyze_meeting tool.`

const calculatorRule = `Use the calculator tool for any arithmetic instead of working it out yourself.`

const memoryRule = `When the user asks you to remember or note something, use save_memory. When a question depends on past context, use search_memory first.`

// languageRule is the format string for the response language rule.
const languageRule = `Always reply in %s unless the user writes in another language.`

// PersonaParams carries the dynamic parts of the system directive.
type PersonaParams struct {
	AssistantName string
	PrincipalName string
	Personality   string
	Location      string
	Language      string
	// Now is the current local time, already formatted for humans.
	Now string
	// Calendar enables the calendar rules.
	Calendar   bool
	ExtraRules []string
}

// PersonaPrompt returns the system directive for one model call.
func PersonaPrompt(p PersonaParams) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(personaTemplate, p.AssistantName, p.Personality, p.PrincipalName, p.Now, p.Location))

	n := 1
	rule := func(text string) {
		sb.WriteString(fmt.Sprintf("%d. %s\n", n, text))
		n++
	}
	if p.Calendar {
		for _, r := range calendarRules {
			rule(r)
		}
	}
	rule(fmt.Sprintf(languageRule, p.Language))
	rule(fmt.Sprintf(relativeDateRule, p.Now))
	rule(meetingRule)
	rule(memoryRule)
	rule(calculatorRule)
	for _, r := range p.ExtraRules {
		if r = strings.TrimSpace(r); r != "" {
			rule(r)
		}
	}
	return sb.String()
}
