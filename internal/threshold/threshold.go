// Package threshold resolves raw quota configuration into validated
// (quota, re-enable threshold) pairs. Resolution is pure and stateless:
// identical inputs always produce identical outputs, including identical
// clamping decisions, so repeated invocations re-derive the same limits.
package threshold

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidConfiguration marks a quota or threshold value that fails to
// parse or is out of range. Callers match with errors.Is.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Ratios applied when deriving or correcting the re-enable threshold.
const (
	defaultReenableRatio = 0.8
	clampReenableRatio   = 0.9
)

// Limits is a resolved (quota, re-enable) pair for one metric. A nil field
// means the value is absent; an absent quota makes the metric inert.
type Limits struct {
	Quota    *float64
	Reenable *float64
}

// Resolve computes the limits for one metric, independently of all others.
//
// The quota comes from rawQuota when supplied (size string or bare number),
// falling back to defaultQuota (which may be nil — "quota absent"). A quota
// that parses non-finite or non-positive is ErrInvalidConfiguration.
//
// The re-enable threshold comes from rawReenable when supplied; a negative
// or non-finite override is ErrInvalidConfiguration, while an override above
// the quota is clamped to floor(quota*0.9) with a warning — a recoverable
// correction, not an error. Without an override the threshold defaults to
// floor(quota*0.8). When the quota is absent the threshold is absent too.
func Resolve(rawQuota, rawReenable string, defaultQuota *float64) (Limits, []string, error) {
	var (
		limits   Limits
		warnings []string
	)

	switch {
	case strings.TrimSpace(rawQuota) != "":
		q, err := ParseSize(rawQuota)
		if err != nil {
			return Limits{}, nil, fmt.Errorf("%w: quota %q: %v", ErrInvalidConfiguration, rawQuota, err)
		}
		if q <= 0 {
			return Limits{}, nil, fmt.Errorf("%w: quota %q must be positive", ErrInvalidConfiguration, rawQuota)
		}
		limits.Quota = &q
	case defaultQuota != nil:
		q := *defaultQuota
		limits.Quota = &q
	}

	if strings.TrimSpace(rawReenable) != "" {
		r, err := ParseSize(rawReenable)
		if err != nil {
			return Limits{}, nil, fmt.Errorf("%w: reenable threshold %q: %v", ErrInvalidConfiguration, rawReenable, err)
		}
		if r < 0 {
			return Limits{}, nil, fmt.Errorf("%w: reenable threshold %q must not be negative", ErrInvalidConfiguration, rawReenable)
		}

		if limits.Quota == nil {
			warnings = append(warnings, fmt.Sprintf("reenable threshold %q configured without a quota; ignored", rawReenable))
			return limits, warnings, nil
		}

		if r > *limits.Quota {
			clamped := math.Floor(*limits.Quota * clampReenableRatio)
			warnings = append(warnings, fmt.Sprintf(
				"reenable threshold %q exceeds quota; clamped to %s", rawReenable,
				strconv.FormatFloat(clamped, 'f', -1, 64)))
			r = clamped
		}
		limits.Reenable = &r
		return limits, warnings, nil
	}

	if limits.Quota != nil {
		r := math.Floor(*limits.Quota * defaultReenableRatio)
		limits.Reenable = &r
	}

	return limits, warnings, nil
}

// sizeMultipliers maps the accepted suffixes to base-1024 multipliers.
// Ordered longest-first so "kb" is tried before "b".
var sizeMultipliers = []struct {
	suffix string
	mult   float64
}{
	{"pb", 1 << 50},
	{"tb", 1 << 40},
	{"gb", 1 << 30},
	{"mb", 1 << 20},
	{"kb", 1 << 10},
	{"b", 1},
}

// ParseSize parses a size string: a bare number, or a number with one of
// the suffixes b|kb|mb|gb|tb|pb (case-insensitive, base-1024). Whitespace
// between the number and the suffix is allowed. The result must be finite.
func ParseSize(s string) (float64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("empty size")
	}

	lower := strings.ToLower(trimmed)
	mult := 1.0
	num := lower
	for _, sm := range sizeMultipliers {
		if strings.HasSuffix(lower, sm.suffix) {
			mult = sm.mult
			num = strings.TrimSpace(strings.TrimSuffix(lower, sm.suffix))
			break
		}
	}

	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: not a number", s)
	}

	v *= mult
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("parse %q: not finite", s)
	}
	return v, nil
}
