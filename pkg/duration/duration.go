// Package duration parses and formats durations with calendar-style
// units. Go's time.ParseDuration stops at hours; retention windows and
// report filters are naturally written in days or weeks ("7d", "2w",
// "30 days").
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day is 24 hours.
	Day = 24 * time.Hour
	// Week is 7 days.
	Week = 7 * Day
	// Month is 30 days, the usual retention approximation.
	Month = 30 * Day
	// Year is 365 days.
	Year = 365 * Day
)

// units maps every accepted unit spelling to its duration. Singular,
// plural, and abbreviated forms are all accepted, case-insensitively.
var units = map[string]time.Duration{
	"ns": time.Nanosecond,
	"us": time.Microsecond, "µs": time.Microsecond,
	"ms": time.Millisecond,
	"s": time.Second, "sec": time.Second, "secs": time.Second,
	"second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute,
	"minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour,
	"hour": time.Hour, "hours": time.Hour,
	"d": Day, "day": Day, "days": Day,
	"w": Week, "wk": Week, "wks": Week, "week": Week, "weeks": Week,
	"mo": Month, "mos": Month, "month": Month, "months": Month,
	"y": Year, "yr": Year, "yrs": Year, "year": Year, "years": Year,
}

// token matches one number-unit pair at the start of the input, with
// optional whitespace between them: "7d", "30 days", "2weeks".
var token = regexp.MustCompile(`^\s*(\d+)\s*([A-Za-zµ]+)`)

// Parse converts a human-readable duration string into a time.Duration.
// Components may be concatenated ("1w2d12h") or space-separated
// ("1 week 2 days"). A leading minus negates the whole value.
func Parse(s string) (time.Duration, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	negative := strings.HasPrefix(s, "-")
	s = strings.TrimSpace(strings.TrimPrefix(s, "-"))

	var total time.Duration
	for strings.TrimSpace(s) != "" {
		m := token.FindStringSubmatch(s)
		if m == nil {
			return 0, fmt.Errorf("duration: cannot parse %q", orig)
		}
		value, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("duration: %q: %w", orig, err)
		}
		unit, ok := units[strings.ToLower(m[2])]
		if !ok {
			return 0, fmt.Errorf("duration: unknown unit %q in %q", m[2], orig)
		}
		total += time.Duration(value) * unit
		s = s[len(m[0]):]
	}

	if negative {
		total = -total
	}
	return total, nil
}

// MustParse is like Parse but panics on error. For constants only.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders a duration using the largest fitting units, omitting
// zero components: 26 hours becomes "1d2h", not "26h0m0s". Sub-second
// remainders fall back to Go's own formatting.
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	negative := d < 0
	if negative {
		d = -d
	}

	var b strings.Builder
	for _, step := range []struct {
		unit time.Duration
		name string
	}{
		{Year, "y"}, {Month, "mo"}, {Week, "w"}, {Day, "d"},
		{time.Hour, "h"}, {time.Minute, "m"}, {time.Second, "s"},
	} {
		if n := d / step.unit; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, step.name)
			d -= n * step.unit
		}
	}
	if d > 0 {
		// Sub-second leftover.
		b.WriteString(d.String())
	}

	if negative {
		return "-" + b.String()
	}
	return b.String()
}
