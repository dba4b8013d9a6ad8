package main

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidSizeFormat is returned for volume sizes not matching <number>[K|M|G|T].
	ErrInvalidSizeFormat = errors.New("invalid size format")

	sizePattern = regexp.MustCompile(`^([0-9]+)([KMGT]?)$`)

	//nolint:mnd
	sizeUnits = map[string]int64{
		"":  1,
		"K": 1 << 10,
		"M": 1 << 20,
		"G": 1 << 30,
		"T": 1 << 40,
	}
)

// ParseSize converts a human-readable size such as "100M" or "1g" into a
// byte count. Units are binary multiples; a missing unit means bytes.
func ParseSize(s string) (int64, error) {
	m := sizePattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSizeFormat, s)
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidSizeFormat, s, err)
	}

	if n <= 0 {
		return 0, fmt.Errorf("%w: %q: size must be positive", ErrInvalidSizeFormat, s)
	}

	mult := sizeUnits[m[2]]
	if n > math.MaxInt64/mult {
		return 0, fmt.Errorf("%w: %q: size overflows", ErrInvalidSizeFormat, s)
	}

	return n * mult, nil
}
