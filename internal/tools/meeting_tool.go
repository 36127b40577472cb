package tools

import (
	"context"
	"time"
)

// MeetingAnalyzer writes minutes for a transcript. Implemented by
// meeting.Analyzer.
type MeetingAnalyzer interface {
	Analyze(ctx context.Context, transcript, focus string) (string, error)
}

// meetingTimeout covers the map and reduce model calls of a long
// transcript.
const meetingTimeout = 5 * time.Minute

// RegisterMeetingTool adds analyze_meeting.
func RegisterMeetingTool(r *Registry, analyzer MeetingAnalyzer) error {
	return r.Register(&Tool{
		Name: "analyze_meeting",
		Description: "Turns a meeting transcript into structured minutes with an executive summary, " +
			"key discussion points, decisions and action items. Use for long transcripts or when the " +
			"user asks for a meeting summary. Pass the full transcript text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"transcript": map[string]any{
					"type":        "string",
					"description": "The full meeting transcript",
				},
				"focus": map[string]any{
					"type":        "string",
					"description": "Optional topic to emphasize in the minutes",
				},
			},
			"required": []string{"transcript"},
		},
		Timeout:    meetingTimeout,
		Idempotent: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			transcript, err := requireString(args, "transcript")
			if err != nil {
				return "", err
			}
			return analyzer.Analyze(ctx, transcript, stringArg(args, "focus"))
		},
	})
}
