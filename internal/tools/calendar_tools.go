package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/calendar"
)

// CalendarSource resolves the calendar for a conversation. Implemented
// by [calendar.Provider].
type CalendarSource interface {
	ServiceFor(ctx context.Context, conversationID string) (calendar.Service, error)
}

// startTimeLayouts are the accepted start_time forms. Times without an
// offset are read in the principal's timezone.
var startTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// RegisterCalendarTools adds list_calendar_events and add_calendar_event.
func RegisterCalendarTools(r *Registry, source CalendarSource, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}

	if err := r.Register(&Tool{
		Name:        "list_calendar_events",
		Description: "Checks the user's calendar and returns the next upcoming events.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"count": map[string]any{
					"type":        "integer",
					"description": "How many upcoming events to return (default: 5)",
				},
			},
		},
		Idempotent: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			count, err := intArg(args, "count", 5)
			if err != nil {
				return "", err
			}
			if count <= 0 {
				count = 5
			}

			svc, err := source.ServiceFor(ctx, ConversationIDFromContext(ctx))
			if err != nil {
				return "", fmt.Errorf("checking calendar: %w", err)
			}
			events, err := svc.Upcoming(ctx, count)
			if err != nil {
				return "", fmt.Errorf("checking calendar: %w", err)
			}
			if len(events) == 0 {
				return "No upcoming events found.", nil
			}

			var sb strings.Builder
			sb.WriteString("Upcoming Events:\n")
			for _, ev := range events {
				fmt.Fprintf(&sb, "- %s at %s\n", ev.Summary, ev.Start.In(loc).Format(time.RFC3339))
			}
			return sb.String(), nil
		},
	}); err != nil {
		return err
	}

	return r.Register(&Tool{
		Name: "add_calendar_event",
		Description: "Adds a new event to the user's calendar. " +
			"Format start_time as an ISO timestamp, for example '2026-01-20T10:00:00'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{
					"type":        "string",
					"description": "Event title",
				},
				"start_time": map[string]any{
					"type":        "string",
					"description": "Start as ISO 8601, local time unless an offset is given",
				},
				"duration_minutes": map[string]any{
					"type":        "integer",
					"description": "Length of the event in minutes (default: 60)",
				},
			},
			"required": []string{"summary", "start_time"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			summary, err := requireString(args, "summary")
			if err != nil {
				return "", err
			}
			rawStart, err := requireString(args, "start_time")
			if err != nil {
				return "", err
			}
			start, err := parseStartTime(rawStart, loc)
			if err != nil {
				return "", err
			}
			minutes, err := intArg(args, "duration_minutes", 60)
			if err != nil {
				return "", err
			}
			if minutes <= 0 {
				return "", fmt.Errorf("duration_minutes must be positive")
			}

			svc, err := source.ServiceFor(ctx, ConversationIDFromContext(ctx))
			if err != nil {
				return "", fmt.Errorf("creating event: %w", err)
			}
			ev, err := svc.Create(ctx, calendar.Event{
				Summary: summary,
				Start:   start,
				End:     start.Add(time.Duration(minutes) * time.Minute),
			})
			if err != nil {
				return "", fmt.Errorf("creating event: %w", err)
			}
			return "Event created: " + ev.Ref, nil
		},
	})
}

func parseStartTime(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range startTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("start_time %q is not an ISO timestamp (e.g. 2026-01-20T10:00:00)", s)
}
