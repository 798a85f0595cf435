package utils

import (
	"strconv"
	"time"
)

// Now returns the current time in UTC timezone
func Now() time.Time {
	return time.Now().UTC()
}

// UnixToTime converts a unix timestamp to a UTC time.Time
func UnixToTime(timestamp int64) time.Time {
	if timestamp <= 0 {
		return time.Time{}
	}
	return time.Unix(timestamp, 0).UTC()
}

// ParseUnixString parses the decimal unix seconds WhatsApp sends in webhook payloads.
// Unparseable input yields the zero time.
func ParseUnixString(s string) time.Time {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return UnixToTime(ts)
}

// StartOfDay returns local midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// YesterdayAt returns hour:00 of the calendar day before t, in loc.
func YesterdayAt(t time.Time, hour int, loc *time.Location) time.Time {
	return StartOfDay(t, loc).AddDate(0, 0, -1).Add(time.Duration(hour) * time.Hour)
}

// ClockHHMM formats t as a 24h wall clock in loc, e.g. "14:30".
func ClockHHMM(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("15:04")
}

// MinutesBetween returns whole minutes elapsed from earlier to later, floored at 0.
func MinutesBetween(earlier, later time.Time) int {
	d := later.Sub(earlier)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

// FormatISO8601 formats a time.Time to ISO8601 format in UTC
func FormatISO8601(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
