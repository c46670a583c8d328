package mqtt

import (
	"sync"
	"time"
)

// DailyDeliveries counts notification outcomes since local midnight. It
// is safe for concurrent use.
type DailyDeliveries struct {
	mu        sync.Mutex
	delivered int64
	failed    int64
	resetDay  int // day-of-year of last reset
	loc       *time.Location
	now       func() time.Time
}

// NewDailyDeliveries creates a counter using loc for midnight
// detection. If loc is nil, [time.Local] is used.
func NewDailyDeliveries(loc *time.Location) *DailyDeliveries {
	return newDailyDeliveries(loc, time.Now)
}

func newDailyDeliveries(loc *time.Location, now func() time.Time) *DailyDeliveries {
	if loc == nil {
		loc = time.Local
	}
	return &DailyDeliveries{
		resetDay: now().In(loc).YearDay(),
		loc:      loc,
		now:      now,
	}
}

// Delivered records one notification accepted by Telegram.
func (d *DailyDeliveries) Delivered() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.delivered++
}

// Failed records one failed send.
func (d *DailyDeliveries) Failed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.failed++
}

// Snapshot returns today's totals after checking for midnight rollover.
func (d *DailyDeliveries) Snapshot() (delivered, failed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return d.delivered, d.failed
}

// maybeReset zeroes the counters if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyDeliveries) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.delivered = 0
		d.failed = 0
		d.resetDay = today
	}
}
