package util

import (
	"sync"
	"time"

	// embedded zone database so the reference zone resolves on minimal images
	_ "time/tzdata"
)

type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// ManualClock is a Clock for tests. Now only moves when Set or Advance is called.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(now time.Time) *ManualClock { return &ManualClock{now: now} }

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Advance(d)
	return ch
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// DayLayout is the format of a trading day key.
const DayLayout = "2006-01-02"

// TradingDay returns the calendar date of t in loc, formatted as YYYY-MM-DD.
func TradingDay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayLayout)
}

// LoadZone resolves an IANA zone name such as "Asia/Seoul".
func LoadZone(name string) (*time.Location, error) {
	return time.LoadLocation(name)
}
