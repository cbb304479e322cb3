package quota

import (
	"time"
)

// Period is a quota accounting window with deterministic UTC boundaries
type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

// ParsePeriod parses a period name, defaulting to hour
func ParsePeriod(s string) Period {
	switch Period(s) {
	case PeriodDay:
		return PeriodDay
	case PeriodMonth:
		return PeriodMonth
	default:
		return PeriodHour
	}
}

// Start returns the UTC start of the period containing t
func (p Period) Start(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Hour)
	}
}

// End returns the UTC end of the period containing t (start of the next one)
func (p Period) End(t time.Time) time.Time {
	start := p.Start(t)
	switch p {
	case PeriodDay:
		return start.AddDate(0, 0, 1)
	case PeriodMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.Add(time.Hour)
	}
}
