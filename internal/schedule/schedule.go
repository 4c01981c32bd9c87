// Package schedule turns user date input into bucket dates.
//
// Bucket dates are YYYY-MM-DD strings. Besides that form, input may be a
// natural-language expression relative to now, such as "today",
// "tomorrow", "next friday" or "in 3 days".
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/mschirtzinger/tasksync/internal/model"
)

// ErrUnrecognized is returned for input that is neither a bucket date nor
// a recognizable expression.
var ErrUnrecognized = errors.New("unrecognized date")

var parser = newParser()

func newParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseDay resolves input to a bucket date in now's location.
//
// Example:
//
//	day, err := schedule.ParseDay("tomorrow", time.Now())
//	// day == "2025-02-21" when run on 2025-02-20
func ParseDay(input string, now time.Time) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: empty input", ErrUnrecognized)
	}
	if model.ValidateDay(input) == nil {
		return input, nil
	}

	r, err := parser.Parse(strings.ToLower(input), now)
	if err != nil {
		return "", fmt.Errorf("failed to parse date %q: %w", input, err)
	}
	if r == nil {
		return "", fmt.Errorf("%w: %q", ErrUnrecognized, input)
	}
	return model.Day(r.Time.In(now.Location())), nil
}

// ParseOptionalDay is ParseDay for clearable fields: empty input and
// "none" yield nil.
func ParseOptionalDay(input string, now time.Time) (*string, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "", "none", "clear":
		return nil, nil
	}
	day, err := ParseDay(input, now)
	if err != nil {
		return nil, err
	}
	return &day, nil
}
