// Package prompts contains the prompt templates Gestella sends to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and can be validated by
// tests. User-facing knobs (assistant name, personality, extra rules) live
// in config.yaml and are passed in as arguments.
//
// Convention: each prompt category gets its own file (persona.go,
// meeting.go) with an exported function that accepts the dynamic parts and
// returns the fully interpolated prompt string.
package prompts
