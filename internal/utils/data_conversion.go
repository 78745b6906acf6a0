package utils

import (
	"strconv"
	"time"
)

// ParseOptionalTime parses an RFC3339 timestamp; an empty string yields nil.
func ParseOptionalTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ParseOptionalInt parses a decimal integer; an empty string yields 0.
func ParseOptionalInt(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}
