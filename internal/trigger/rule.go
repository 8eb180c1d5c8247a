package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/hermes-sync/internal/notify"
)

const week = 7 * 24 * time.Hour

// Clock abstracts time for deterministic evaluation.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Rule decides when a notification is due. PeriodKey names the logical
// period containing now; a rule fires at most once per key.
type Rule interface {
	ID() string
	PeriodKey(now time.Time) string
	ShouldFire(now time.Time) bool
	Notification(now time.Time) notify.Event
}

// Frequency selects the period of a Schedule.
type Frequency string

const (
	Daily    Frequency = "daily"
	Weekly   Frequency = "weekly"
	Biweekly Frequency = "biweekly"
	Monthly  Frequency = "monthly"
)

// Schedule is a calendar rule firing once per period at or after a time of
// day. Periods missed entirely are skipped.
type Schedule struct {
	RuleID     string
	Frequency  Frequency
	Hour       int
	Minute     int
	Weekday    time.Weekday
	DayOfMonth int
	// Window bounds how long after the time of day the rule may still fire.
	// Zero means until the end of the day.
	Window   time.Duration
	Location *time.Location

	Title   string
	Message string
	Level   notify.Level
	Link    string
}

// ID implements Rule.
func (s *Schedule) ID() string { return s.RuleID }

// PeriodKey implements Rule.
func (s *Schedule) PeriodKey(now time.Time) string {
	t := now.In(s.location())
	switch s.Frequency {
	case Weekly:
		year, wk := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, wk)
	case Biweekly:
		return "biweek-" + strconv.FormatInt(weekIndex(now)/2, 10)
	case Monthly:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// ShouldFire implements Rule.
func (s *Schedule) ShouldFire(now time.Time) bool {
	t := now.In(s.location())
	switch s.Frequency {
	case Weekly:
		if t.Weekday() != s.Weekday {
			return false
		}
	case Biweekly:
		if t.Weekday() != s.Weekday || weekIndex(now)%2 != 0 {
			return false
		}
	case Monthly:
		if t.Day() != s.dayOfMonth() {
			return false
		}
	}

	at := time.Date(t.Year(), t.Month(), t.Day(), s.Hour, s.Minute, 0, 0, t.Location())
	if t.Before(at) {
		return false
	}
	return s.Window <= 0 || t.Before(at.Add(s.Window))
}

// Notification implements Rule. The event id is stable for the day so the
// UI can drop duplicates.
func (s *Schedule) Notification(now time.Time) notify.Event {
	t := now.In(s.location())
	level := s.Level
	if level == "" {
		level = notify.LevelInfo
	}
	return notify.Event{
		ID:        s.RuleID + "_" + t.Format("2006-01-02"),
		Kind:      notify.KindTrigger,
		Level:     level,
		Title:     s.Title,
		Message:   s.Message,
		Link:      s.Link,
		Timestamp: now,
		Data:      map[string]any{"rule": s.RuleID, "period": s.PeriodKey(now)},
	}
}

// Validate reports configuration errors.
func (s *Schedule) Validate() error {
	if strings.TrimSpace(s.RuleID) == "" {
		return fmt.Errorf("rule id is required")
	}
	switch s.Frequency {
	case Daily, Weekly, Biweekly, Monthly:
	default:
		return fmt.Errorf("rule %s: unknown frequency %q", s.RuleID, s.Frequency)
	}
	if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("rule %s: invalid time %02d:%02d", s.RuleID, s.Hour, s.Minute)
	}
	if s.Weekday < time.Sunday || s.Weekday > time.Saturday {
		return fmt.Errorf("rule %s: invalid weekday %d", s.RuleID, s.Weekday)
	}
	if s.DayOfMonth < 0 || s.DayOfMonth > 28 {
		return fmt.Errorf("rule %s: day of month must be between 1 and 28", s.RuleID)
	}
	return nil
}

func (s *Schedule) location() *time.Location {
	if s.Location == nil {
		return time.Local
	}
	return s.Location
}

func (s *Schedule) dayOfMonth() int {
	if s.DayOfMonth == 0 {
		return 1
	}
	return s.DayOfMonth
}

// weekIndex counts whole weeks since the Unix epoch.
func weekIndex(now time.Time) int64 {
	return now.UnixMilli() / week.Milliseconds()
}

// ParseClock parses "HH:MM".
func ParseClock(value string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, 0, fmt.Errorf("parse time of day %q: %w", value, err)
	}
	return t.Hour(), t.Minute(), nil
}
