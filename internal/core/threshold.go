package core

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidateThreshold checks that an optional threshold is a percentage in [0,100]
func ValidateThreshold(threshold *float64) error {
	if threshold == nil {
		return nil
	}
	v := *threshold
	if v != v || v < 0 || v > 100 {
		return fmt.Errorf("%w: %g", ErrInvalidThreshold, v)
	}
	return nil
}

// ParseThreshold parses user input such as "45", "45.5" or "45%"
func ParseThreshold(raw string) (*float64, error) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "%")
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidThreshold, raw)
	}
	if err := ValidateThreshold(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// EffectiveThreshold returns the subscription threshold or the protocol default
func EffectiveThreshold(threshold *float64, protocolDefault float64) float64 {
	if threshold != nil {
		return *threshold
	}
	return protocolDefault
}

// SameThreshold reports whether two optional thresholds are equal
func SameThreshold(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
