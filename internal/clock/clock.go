// Package clock centralises the daemon's time source and the duration
// grammar shared by TTL, expiry, and timeout options.
package clock

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/jonboulle/clockwork"
)

// Clock is the daemon-wide time source. Production code uses New; tests
// inject clockwork.NewFakeClock so TTL expiry can be stepped.
type Clock = clockwork.Clock

// New returns the real clock.
func New() Clock { return clockwork.NewRealClock() }

// Millis returns the clock's current time as Unix milliseconds.
func Millis(c Clock) int64 { return c.Now().UnixMilli() }

// maxDurationInput bounds the string form so pathological inputs cannot
// make the scanner crawl.
const maxDurationInput = 50

var durationToken = regexp.MustCompile(`(\d+)([smhd])`)

var unitMillis = map[string]int64{
	"s": 1_000,
	"m": 60_000,
	"h": 3_600_000,
	"d": 86_400_000,
}

// ParseDurationString sums every (\d+)([smhd]) token in s and returns the
// total in milliseconds. Gaps between tokens are skipped, so "1h 30m" is 90
// minutes while "1 h" has no token at all and reports false. No token or a
// zero sum also reports false; that is an input-level signal, not an error.
func ParseDurationString(s string) (int64, bool) {
	if s == "" || len(s) > maxDurationInput {
		return 0, false
	}
	matches := durationToken.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, false
	}
	var total int64
	for _, m := range matches {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, false
		}
		total += n * unitMillis[m[2]]
	}
	if total == 0 {
		return 0, false
	}
	return total, true
}

// ParseParam interprets a query-string value: a bare integer is taken as
// milliseconds verbatim, anything else goes through the duration grammar.
func ParseParam(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	return ParseDurationString(s)
}

// Duration is a JSON field accepting either a number of milliseconds
// (taken verbatim, negatives included) or a duration string ("2h", "90m",
// "1d2h30m"). Set records field presence, Valid whether the value parsed.
type Duration struct {
	Millis int64
	Valid  bool
	Set    bool
}

// UnmarshalJSON implements the number-or-string contract. JSON null leaves
// the field unset.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = Duration{}
		return nil
	}
	d.Set = true
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		if math.IsNaN(n) || math.IsInf(n, 0) {
			d.Valid = false
			return nil
		}
		d.Millis = int64(n)
		d.Valid = true
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		d.Millis, d.Valid = ParseDurationString(s)
		return nil
	}
	return fmt.Errorf("duration: want a number of milliseconds or a duration string")
}
