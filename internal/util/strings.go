package util

import (
	"fmt"
	"strconv"
	"strings"
)

// TokenPrefixLength is how much of a secret token may appear in logs
const TokenPrefixLength = 8

// SafeTruncate truncates s to at most maxLen bytes without panicking.
// A negative maxLen yields "".
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TokenPrefix returns the loggable prefix of a token
func TokenPrefix(token string) string {
	return SafeTruncate(token, TokenPrefixLength)
}

// ParseID parses a positive int64 identifier from a path or query value
func ParseID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
