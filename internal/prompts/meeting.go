package prompts

import (
	"fmt"
	"strings"
)

// meetingChunkTemplate is the map-phase prompt for one section of a long
// meeting transcript. Format verbs: 1: chunk index, 2: total chunks,
// 3: transcript chunk text.
const meetingChunkTemplate = `Summarize this section of a meeting transcript (part %d of %d).

Extract the key points, decisions, owners and deadlines. Preserve specific
numbers, names, dates and commitments. Aim for roughly 1/5 the length of the
input.

Transcript section:
%s

Summary:`

// meetingFocusSection is appended to either phase when the caller names
// a focus. The format verb is the focus string.
const meetingFocusSection = `

Focus on: %s
Give details relevant to this focus area priority; mention the rest briefly.`

// meetingMinutesTemplate turns a transcript (or the combined section
// summaries of one) into minutes. Format verbs: 1: source description,
// 2: text.
const meetingMinutesTemplate = `You are an expert executive secretary. Write structured minutes for the
meeting below from the %s.

Use exactly these sections, in Markdown:

# Executive Summary
Two to four sentences on what the meeting was about and what came out of it.

## Key Discussion Points
Bulleted, grouped by topic.

## Decisions
Bulleted. Write "None recorded." if there were none.

## Action Items
A bulleted list in the form "- [Owner] Task (due date if mentioned)".
Write "None recorded." if there were none.

## Open Questions
Anything left unresolved.

Be precise and keep every name, number and date from the source.

%s`

// MeetingChunkPrompt returns the map-phase prompt for one transcript chunk.
func MeetingChunkPrompt(chunk, focus string, chunkIndex, totalChunks int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(meetingChunkTemplate, chunkIndex, totalChunks, chunk))
	if focus != "" {
		sb.WriteString(fmt.Sprintf(meetingFocusSection, focus))
	}
	return sb.String()
}

// MeetingMinutesPrompt returns the prompt that writes the final minutes.
// When fromSummaries is true, text holds the combined section summaries
// of a long transcript rather than the transcript itself.
func MeetingMinutesPrompt(text, focus string, fromSummaries bool) string {
	source := "transcript"
	body := "Transcript:\n" + text
	if fromSummaries {
		source = "section summaries of its transcript, which are in chronological order"
		body = "Section summaries:\n" + text
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(meetingMinutesTemplate, source, body))
	if focus != "" {
		sb.WriteString(fmt.Sprintf(meetingFocusSection, focus))
	}
	return sb.String()
}
