// Package chattime renders message timestamps the way the chat UI groups
// them: a short day label for the sidebar and date separators, and a
// minute-precision clock label for message bubbles.
package chattime

import "time"

// DayLabel returns "Today", "Yesterday" or a "January 2" style date for ts,
// judged against now in now's location. The zero time yields "".
func DayLabel(ts, now time.Time) string {
	if ts.IsZero() {
		return ""
	}

	ts = ts.In(now.Location())
	day := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}

	today := day(now)
	switch day(ts) {
	case today:
		return "Today"
	case today.AddDate(0, 0, -1):
		return "Yesterday"
	}
	return ts.Format("January 2")
}

// Day is DayLabel against the current local time.
func Day(ts time.Time) string {
	return DayLabel(ts, time.Now())
}

// Clock returns the 24h "15:04" label for a message bubble, or "" for the
// zero time.
func Clock(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Local().Format("15:04")
}
