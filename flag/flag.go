package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize converts a human-readable size such as "4M", "2g", "64K" or
// "0x10" into a byte count. The number accepts any base strconv
// understands. A trailing unit letter on s wins; otherwise defaultUnit
// ("", "k", "m" or "g", any case) applies.
func ParseSize(s, defaultUnit string) (int, error) {
	num, unit := s, defaultUnit
	if n := len(s); n > 0 && strings.ContainsRune("gGmMkK", rune(s[n-1])) {
		num, unit = s[:n-1], s[n-1:]
	}

	if num == "" {
		return -1, fmt.Errorf("size %q has no numeric part: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(num, 0, 0)
	if err != nil {
		return -1, err
	}

	var shift uint

	switch strings.ToLower(unit) {
	case "":
		shift = 0
	case "k":
		shift = 10
	case "m":
		shift = 20
	case "g":
		shift = 30
	default:
		return -1, fmt.Errorf("size %q has unknown unit %q: %w", s, unit, strconv.ErrSyntax)
	}

	return int(amt) << shift, nil
}
