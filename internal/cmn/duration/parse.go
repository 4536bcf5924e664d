package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var dayPattern = regexp.MustCompile(`(\d+)d`)

// Parse accepts Go duration syntax plus a "d" suffix for whole days,
// e.g. "1d", "2d12h", "90m".
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	expanded := dayPattern.ReplaceAllStringFunc(s, func(match string) string {
		days, _ := strconv.Atoi(strings.TrimSuffix(match, "d"))
		return strconv.Itoa(days*24) + "h"
	})

	d, err := time.ParseDuration(expanded)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration not allowed: %q", s)
	}
	return d, nil
}

// ParseOr returns def when s is empty or malformed.
func ParseOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := Parse(s)
	if err != nil {
		return def
	}
	return d
}
