package mqtt

import (
	"sync"
	"time"
)

// DailyStats is the retained stats payload.
type DailyStats struct {
	Date     string `json:"date"`
	Turns    int64  `json:"turns"`
	Answered int64  `json:"answered"`
	Failed   int64  `json:"failed"`
	Steps    int64  `json:"steps"`
}

// DailyTurns counts turns per local day. It is safe for concurrent use.
type DailyTurns struct {
	mu    sync.Mutex
	stats DailyStats
	loc   *time.Location
	now   func() time.Time
}

// NewDailyTurns creates a counter that rolls over at midnight in loc.
// A nil loc means [time.Local].
func NewDailyTurns(loc *time.Location) *DailyTurns {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTurns{loc: loc, now: time.Now}
	d.stats.Date = d.today()
	return d
}

// Record adds one finished turn.
func (d *DailyTurns) Record(answered bool, steps int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.stats.Turns++
	d.stats.Steps += int64(steps)
	if answered {
		d.stats.Answered++
	} else {
		d.stats.Failed++
	}
}

// Snapshot returns today's totals.
func (d *DailyTurns) Snapshot() DailyStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.stats
}

func (d *DailyTurns) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// maybeReset zeroes the counters when the local date has changed.
// Must be called with d.mu held.
func (d *DailyTurns) maybeReset() {
	if today := d.today(); today != d.stats.Date {
		d.stats = DailyStats{Date: today}
	}
}
