package moderation

import "time"

// ParseDurationSpec parses the mute duration grammar "<int>d<int>m" (days and
// minutes, both optional, at least one required): "1d30m", "2d", "45m".
// Missing or malformed input parses to zero, which callers treat as an
// already-expired mute. No other grammar is accepted.
func ParseDurationSpec(spec string) time.Duration {
	var days, minutes int
	units := 0

	i := 0
	n, ok, j := scanInt(spec, i)
	if ok && j < len(spec) && spec[j] == 'd' {
		days = n
		units++
		i = j + 1
		n, ok, j = scanInt(spec, i)
	}
	if ok && j < len(spec) && spec[j] == 'm' {
		minutes = n
		units++
		i = j + 1
	} else if ok {
		// digits with no recognized unit
		return 0
	}
	if units == 0 || i != len(spec) {
		return 0
	}
	return time.Duration(days)*24*time.Hour + time.Duration(minutes)*time.Minute
}

func scanInt(s string, i int) (int, bool, int) {
	n := 0
	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		n = n*10 + int(s[i]-'0')
		i++
	}
	return n, i > start, i
}
