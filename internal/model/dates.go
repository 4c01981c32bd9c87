package model

import (
	"fmt"
	"time"
)

// DayLayout is the format of every calendar date field (buckets, due dates).
const DayLayout = "2006-01-02"

// Day formats t as a bucket key in t's own location.
func Day(t time.Time) string {
	return t.Format(DayLayout)
}

// ValidateDay reports whether s is a YYYY-MM-DD date.
func ValidateDay(s string) error {
	if _, err := time.Parse(DayLayout, s); err != nil {
		return fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return nil
}
