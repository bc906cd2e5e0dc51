package scheduler

import (
	"fmt"
	"time"
)

// Every runs a job at a fixed interval. A non-positive interval means one
// minute.
type Every time.Duration

// Next returns t plus the interval.
func (e Every) Next(t time.Time) time.Time {
	return t.Add(e.interval())
}

func (e Every) String() string {
	return fmt.Sprintf("@every %s", e.interval())
}

func (e Every) interval() time.Duration {
	if e <= 0 {
		return time.Minute
	}
	return time.Duration(e)
}
