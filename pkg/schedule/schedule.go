package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SettingName is the settings key the daily alert time is persisted under.
const SettingName = "alert-time"

// Daily is a wall-clock time of day.
type Daily struct {
	Hour   int
	Minute int
}

// Parse parses a 24 hour `HH:MM` time. A single digit hour is accepted.
func Parse(s string) (Daily, error) {
	hh, mm, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return Daily{}, fmt.Errorf("Invalid time %q, expected HH:MM", s)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return Daily{}, fmt.Errorf("Invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return Daily{}, fmt.Errorf("Invalid minute in %q", s)
	}
	return Daily{Hour: hour, Minute: minute}, nil
}

func (d Daily) String() string {
	return fmt.Sprintf("%02d:%02d", d.Hour, d.Minute)
}

// Next returns the first occurrence of the time of day strictly after now,
// in the location of now.
func (d Daily) Next(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), d.Hour, d.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = time.Date(now.Year(), now.Month(), now.Day()+1, d.Hour, d.Minute, 0, 0, now.Location())
	}
	return next
}
