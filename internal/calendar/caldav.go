package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const (
	productID = "-//Gestella//Assistant//EN"

	// lookahead bounds the time-range query for upcoming events.
	lookahead = 365 * 24 * time.Hour
)

// CalDAV is a Service backed by a CalDAV server.
type CalDAV struct {
	client *caldav.Client
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	calendarPath string // discovered lazily when empty
}

// NewCalDAV creates a CalDAV service. calendarPath may be empty, in
// which case the first calendar in the principal's home set is used.
func NewCalDAV(hc webdav.HTTPClient, endpoint, calendarPath string, loc *time.Location, logger *slog.Logger) (*CalDAV, error) {
	client, err := caldav.NewClient(hc, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CalDAV{
		client:       client,
		loc:          loc,
		logger:       logger.With("component", "caldav"),
		now:          time.Now,
		calendarPath: calendarPath,
	}, nil
}

// calendar resolves the calendar collection path, discovering it on
// first use: current principal, then its home set, then the first
// calendar that supports events.
func (c *CalDAV) calendar(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calendarPath != "" {
		return c.calendarPath, nil
	}

	principal, err := c.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("find principal: %w", err)
	}
	home, err := c.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("find calendar home set: %w", err)
	}
	cals, err := c.client.FindCalendars(ctx, home)
	if err != nil {
		return "", fmt.Errorf("find calendars: %w", err)
	}

	for _, cal := range cals {
		if supportsEvents(cal.SupportedComponentSet) {
			c.calendarPath = cal.Path
			c.logger.Info("calendar discovered", "path", cal.Path, "name", cal.Name)
			return c.calendarPath, nil
		}
	}
	return "", fmt.Errorf("no event calendar found under %s", home)
}

func supportsEvents(set []string) bool {
	if len(set) == 0 {
		return true
	}
	for _, comp := range set {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

// Upcoming returns the next n events.
func (c *CalDAV) Upcoming(ctx context.Context, n int) ([]Event, error) {
	calPath, err := c.calendar(ctx)
	if err != nil {
		return nil, err
	}

	now := c.now()
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Props: []string{ical.PropVersion},
			Comps: []caldav.CalendarCompRequest{{
				Name: ical.CompEvent,
				Props: []string{
					ical.PropUID,
					ical.PropSummary,
					ical.PropDateTimeStart,
					ical.PropDateTimeEnd,
					ical.PropDuration,
				},
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: now.UTC(),
				End:   now.Add(lookahead).UTC(),
			}},
		},
	}

	objects, err := c.client.QueryCalendar(ctx, calPath, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	var events []Event
	for _, obj := range objects {
		events = append(events, eventsFromCalendar(obj.Data, obj.Path, c.loc)...)
	}
	return upcoming(events, now, n), nil
}

// Create stores ev as a new iCalendar object named after its UID.
func (c *CalDAV) Create(ctx context.Context, ev Event) (Event, error) {
	calPath, err := c.calendar(ctx)
	if err != nil {
		return Event{}, err
	}
	if ev.UID == "" {
		ev.UID = uuid.NewString()
	}

	cal := buildCalendar(ev, c.now())
	objPath := path.Join(calPath, ev.UID+".ics")

	obj, err := c.client.PutCalendarObject(ctx, objPath, cal)
	if err != nil {
		return Event{}, fmt.Errorf("put calendar object: %w", err)
	}
	ev.Ref = objPath
	if obj != nil && obj.Path != "" {
		ev.Ref = obj.Path
	}

	c.logger.Info("event created", "uid", ev.UID, "summary", ev.Summary, "start", ev.Start)
	return ev, nil
}

// buildCalendar wraps ev in a VCALENDAR ready to PUT.
func buildCalendar(ev Event, stamp time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, ev.UID)
	event.Props.SetText(ical.PropSummary, ev.Summary)
	event.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())

	cal.Children = append(cal.Children, event.Component)
	return cal
}

// eventsFromCalendar extracts VEVENTs from a calendar object. Events
// with an unreadable start are skipped.
func eventsFromCalendar(cal *ical.Calendar, ref string, loc *time.Location) []Event {
	if cal == nil {
		return nil
	}
	var out []Event
	for _, ev := range cal.Events() {
		start, err := ev.DateTimeStart(loc)
		if err != nil {
			continue
		}
		end, err := ev.DateTimeEnd(loc)
		if err != nil {
			end = start
		}
		uid, _ := ev.Props.Text(ical.PropUID)
		summary, _ := ev.Props.Text(ical.PropSummary)
		if summary == "" {
			summary = "(no title)"
		}
		out = append(out, Event{
			UID:     uid,
			Summary: summary,
			Start:   start.In(loc),
			End:     end.In(loc),
			Ref:     ref,
		})
	}
	return out
}

// upcoming filters out events that ended before now, sorts by start
// and keeps the first n.
func upcoming(events []Event, now time.Time, n int) []Event {
	kept := events[:0]
	for _, ev := range events {
		if ev.End.Before(now) && ev.Start.Before(now) {
			continue
		}
		kept = append(kept, ev)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Start.Before(kept[j].Start)
	})
	if n > 0 && len(kept) > n {
		kept = kept[:n]
	}
	return kept
}
