// Package timecode converts HH:MM:SS.mmm timestamps to and from milliseconds.
package timecode

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var pattern = regexp.MustCompile(`[0-9]+:[0-9]+:[0-9]+\.[0-9]+`)

// Parse converts a timecode into milliseconds. The fractional part is read as
// a decimal fraction of a second, so "00:00:01.5" is 1500.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("timecode %q: expected HH:MM:SS.mmm", s)
	}

	hours, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || hours < 0 {
		return 0, fmt.Errorf("timecode %q: invalid hours", s)
	}
	minutes, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("timecode %q: invalid minutes", s)
	}

	secPart, fracPart, _ := strings.Cut(parts[2], ".")
	seconds, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil || seconds < 0 || seconds > 59 {
		return 0, fmt.Errorf("timecode %q: invalid seconds", s)
	}

	var millis int64
	if fracPart != "" {
		// pad or truncate to exactly three digits
		frac := (fracPart + "000")[:3]
		millis, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("timecode %q: invalid fraction", s)
		}
	}

	return ((hours*60+minutes)*60+seconds)*1000 + millis, nil
}

// Format renders milliseconds as HH:MM:SS.mmm.
func Format(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3_600_000
	m := (ms / 60_000) % 60
	s := (ms / 1000) % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1000)
}

// Seconds converts milliseconds to fractional seconds.
func Seconds(ms int64) float64 {
	return float64(ms) / 1000
}

// FindAll returns every timecode embedded in s, in order of appearance.
func FindAll(s string) []string {
	return pattern.FindAllString(s, -1)
}
