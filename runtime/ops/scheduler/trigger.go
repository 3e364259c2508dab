package scheduler

import (
	"fmt"
	"math/rand"
	"time"
)

type (
	// Trigger computes when a job fires next.
	Trigger interface {
		// Next returns the first fire time strictly after the given instant.
		Next(after time.Time) time.Time
		// Period returns the nominal spacing between fires, used as the
		// default job deadline.
		Period() time.Duration
		fmt.Stringer
	}

	// Cron fires at a fixed minute and hour, optionally on one weekday, in a
	// fixed zone.
	Cron struct {
		Minute  int
		Hour    int
		Weekday *time.Weekday
		Loc     *time.Location
	}

	// Interval fires every Every, plus a uniform jitter in [0, Jitter).
	Interval struct {
		Every  time.Duration
		Jitter time.Duration
	}
)

// Next implements Trigger. Matching by minute scan is cheap at this
// granularity and immune to DST edge cases in the zone arithmetic.
func (c Cron) Next(after time.Time) time.Time {
	loc := c.Loc
	if loc == nil {
		loc = time.UTC
	}
	t := after.In(loc).Truncate(time.Minute).Add(time.Minute)
	// Bounded by a little over a week: a weekday-constrained cron always
	// fires within 8 days.
	for i := 0; i < 9*24*60; i++ {
		if t.Minute() == c.Minute && t.Hour() == c.Hour && (c.Weekday == nil || t.Weekday() == *c.Weekday) {
			return t.UTC()
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

// Period implements Trigger.
func (c Cron) Period() time.Duration {
	if c.Weekday != nil {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// String implements fmt.Stringer.
func (c Cron) String() string {
	zone := "UTC"
	if c.Loc != nil {
		zone = c.Loc.String()
	}
	if c.Weekday != nil {
		return fmt.Sprintf("cron %02d:%02d %s %s", c.Hour, c.Minute, c.Weekday, zone)
	}
	return fmt.Sprintf("cron %02d:%02d daily %s", c.Hour, c.Minute, zone)
}

// Next implements Trigger.
func (i Interval) Next(after time.Time) time.Time {
	next := after.Add(i.Every)
	if i.Jitter > 0 {
		next = next.Add(time.Duration(rand.Int63n(int64(i.Jitter))))
	}
	return next.UTC()
}

// Period implements Trigger.
func (i Interval) Period() time.Duration { return i.Every }

// String implements fmt.Stringer.
func (i Interval) String() string {
	if i.Jitter > 0 {
		return fmt.Sprintf("every %s ±%s", i.Every, i.Jitter)
	}
	return fmt.Sprintf("every %s", i.Every)
}
