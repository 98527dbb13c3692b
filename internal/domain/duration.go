package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidISODuration = errors.New("invalid ISO-8601 duration")

const designators = "DHMS"

// ISODuration is a time.Duration that travels as an ISO-8601 duration string
// ("PT10S", "PT1M30S", "P1DT2H"). Only the day and time designators are
// supported; years, months and weeks have no fixed length.
type ISODuration time.Duration

func (d ISODuration) Duration() time.Duration { return time.Duration(d) }

// String formats d in canonical form. Zero is "PT0S".
func (d ISODuration) String() string {
	v := time.Duration(d)
	if v == 0 {
		return "PT0S"
	}
	var b strings.Builder
	if v < 0 {
		b.WriteByte('-')
		if v == math.MinInt64 {
			// -v overflows; drop one nanosecond.
			v++
		}
		v = -v
	}
	b.WriteByte('P')

	days := v / (24 * time.Hour)
	v -= days * 24 * time.Hour
	if days > 0 {
		b.WriteString(strconv.FormatInt(int64(days), 10))
		b.WriteByte('D')
	}
	if v == 0 {
		return b.String()
	}

	b.WriteByte('T')
	hours := v / time.Hour
	v -= hours * time.Hour
	mins := v / time.Minute
	v -= mins * time.Minute
	if hours > 0 {
		b.WriteString(strconv.FormatInt(int64(hours), 10))
		b.WriteByte('H')
	}
	if mins > 0 {
		b.WriteString(strconv.FormatInt(int64(mins), 10))
		b.WriteByte('M')
	}
	if v > 0 {
		secs := v / time.Second
		frac := v - secs*time.Second
		b.WriteString(strconv.FormatInt(int64(secs), 10))
		if frac > 0 {
			fs := fmt.Sprintf("%09d", int64(frac))
			b.WriteByte('.')
			b.WriteString(strings.TrimRight(fs, "0"))
		}
		b.WriteByte('S')
	}
	return b.String()
}

func (d ISODuration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *ISODuration) UnmarshalText(b []byte) error {
	v, err := ParseISODuration(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseISODuration parses the PnDTnHnMnS subset. Designators must appear in
// order, each at most once, and the last unit may carry a fraction.
func ParseISODuration(raw string) (ISODuration, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidISODuration, raw)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	last := -1
	found := false
	for len(s) > 0 {
		if s[0] == 'T' {
			if inTime || len(s) == 1 {
				return 0, fmt.Errorf("%w: %q", ErrInvalidISODuration, raw)
			}
			inTime = true
			s = s[1:]
			continue
		}
		i := 0
		for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.' || s[i] == ',') {
			i++
		}
		if i == 0 || i == len(s) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidISODuration, raw)
		}
		num := strings.ReplaceAll(s[:i], ",", ".")
		unit := s[i]
		s = s[i+1:]

		var scale time.Duration
		switch {
		case unit == 'D' && !inTime:
			scale = 24 * time.Hour
		case unit == 'H' && inTime:
			scale = time.Hour
		case unit == 'M' && inTime:
			scale = time.Minute
		case unit == 'S' && inTime:
			scale = time.Second
		default:
			return 0, fmt.Errorf("%w: unexpected designator %q in %q", ErrInvalidISODuration, unit, raw)
		}
		pos := strings.IndexByte(designators, unit)
		if pos <= last {
			return 0, fmt.Errorf("%w: designators out of order in %q", ErrInvalidISODuration, raw)
		}
		last = pos

		whole, frac, hasFrac := strings.Cut(num, ".")
		if hasFrac && len(s) > 0 {
			return 0, fmt.Errorf("%w: only the last unit may be fractional in %q", ErrInvalidISODuration, raw)
		}
		if whole == "" {
			whole = "0"
		}
		n, err := strconv.ParseInt(whole, 10, 64)
		if err != nil || (n > 0 && n > math.MaxInt64/int64(scale)) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidISODuration, raw)
		}
		part := time.Duration(n) * scale
		if hasFrac {
			f, err := strconv.ParseFloat("0."+frac, 64)
			if err != nil || strings.ContainsAny(frac, ".") {
				return 0, fmt.Errorf("%w: %q", ErrInvalidISODuration, raw)
			}
			part += time.Duration(math.Round(f * float64(scale)))
		}
		if total > math.MaxInt64-part {
			return 0, fmt.Errorf("%w: %q overflows", ErrInvalidISODuration, raw)
		}
		total += part
		found = true
	}
	if !found {
		return 0, fmt.Errorf("%w: %q", ErrInvalidISODuration, raw)
	}
	d := total
	if neg {
		d = -d
	}
	return ISODuration(d), nil
}

// ParseFlexibleDuration accepts a Go duration string ("10s") or an
// ISO-8601 duration ("PT10S").
func ParseFlexibleDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	u := strings.ToUpper(strings.TrimLeft(s, "+-"))
	if strings.HasPrefix(u, "P") {
		d, err := ParseISODuration(s)
		return d.Duration(), err
	}
	return time.ParseDuration(s)
}
