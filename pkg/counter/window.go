package counter

import (
	"fmt"
	"time"
)

// Window is a fixed-size time granularity a counter is rolled up into.
type Window string

const (
	Minute Window = "minute"
	Hour   Window = "hour"
	Day    Window = "day"
	Week   Window = "week"
	Month  Window = "month"
)

// Windows lists every window Increment updates, finest first.
var Windows = []Window{Minute, Hour, Day, Week, Month}

// Duration is the nominal length of the window. Months count as 30 days.
func (w Window) Duration() time.Duration {
	switch w {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	case Week:
		return 7 * 24 * time.Hour
	case Month:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// TTL keeps a bucket readable for one full period after it closes.
func (w Window) TTL() time.Duration {
	return 2 * w.Duration()
}

// Label truncates t (in UTC) to the window's granularity. Weeks use ISO
// week numbering.
func (w Window) Label(t time.Time) string {
	t = t.UTC()
	switch w {
	case Minute:
		return t.Format("2006-01-02T15:04")
	case Hour:
		return t.Format("2006-01-02T15")
	case Day:
		return t.Format("2006-01-02")
	case Week:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case Month:
		return t.Format("2006-01")
	default:
		return ""
	}
}

// Previous returns an instant inside the bucket before the one holding t.
func (w Window) Previous(t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case Minute:
		return t.Add(-time.Minute)
	case Hour:
		return t.Add(-time.Hour)
	case Day:
		return t.AddDate(0, 0, -1)
	case Week:
		return t.AddDate(0, 0, -7)
	case Month:
		first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return first.AddDate(0, -1, 0)
	default:
		return t
	}
}
