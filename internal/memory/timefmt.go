package memory

import (
	"strings"
	"time"
)

// storedTimeLayout is fixed-width UTC so text comparison in SQL matches
// chronological order.
const storedTimeLayout = "2006-01-02T15:04:05.000000Z"

var inputTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

func parseStoredTime(s string) time.Time {
	t, err := time.Parse(storedTimeLayout, s)
	if err != nil {
		t, _ = ParseTime(s)
	}
	return t
}

// ParseTime accepts RFC 3339 timestamps, naive date-times (taken as UTC)
// and bare dates.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range inputTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func parseTimeField(field, s string) (time.Time, error) {
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, validationErr(field, "invalid timestamp %q", s)
	}
	return t, nil
}
