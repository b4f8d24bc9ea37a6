package mutate

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"bulkline/internal/domain"
)

// Classify maps a raw remote error message to an ErrorKind. Matching is
// case-insensitive substring matching on the error text; it is inherently
// approximate and covered by table tests rather than trusted as precise.
func Classify(raw string) domain.ErrorKind {
	msg := strings.ToLower(raw)
	switch {
	case contains(msg, "flood", "wait"):
		return domain.ErrKindFlood
	case contains(msg, "privacy", "restricted"):
		return domain.ErrKindRestriction
	case contains(msg, "spam"):
		return domain.ErrKindSpam
	case contains(msg, "banned", "deactivated"):
		return domain.ErrKindBan
	case contains(msg, "network", "timeout", "connection"):
		return domain.ErrKindNetwork
	default:
		return domain.ErrKindOther
	}
}

func contains(msg string, subs ...string) bool {
	for _, s := range subs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// SuggestedWait extracts a server-suggested cooldown from flood errors of
// the FLOOD_WAIT_n / "A wait of n seconds is required" shape. Zero means
// no suggestion was found.
func SuggestedWait(raw string) time.Duration {
	msg := strings.ToLower(raw)
	idx := strings.Index(msg, "flood_wait_")
	if idx >= 0 {
		rest := msg[idx+len("flood_wait_"):]
		if secs := leadingInt(rest); secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if strings.Contains(msg, "wait") {
		for _, field := range strings.FieldsFunc(msg, func(r rune) bool {
			return !unicode.IsDigit(r)
		}) {
			if secs, err := strconv.Atoi(field); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}

func leadingInt(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
