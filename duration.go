package audio_relay

import (
	"math"
	"strconv"
	"strings"
)

// ParseDuration converts a duration as published by feeds and providers into whole seconds. It accepts
// "HH:MM:SS", "MM:SS" and bare (possibly fractional) second counts. Anything else is reported as unknown with
// ok == false.
func ParseDuration(s string) (seconds int, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if !strings.Contains(s, ":") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return int(f), true
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, false
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return 0, false
		}
		total = total*60 + n
	}
	return total, true
}
