// Package hysteresis implements the two-state toggle decision at the heart
// of UsageGate. Given the current toggle state and every governed metric's
// (usage, quota, re-enable threshold) triple, it deterministically computes
// the next state:
//
//   - any metric at or over its quota forces "disabled";
//   - otherwise the key is "enabled" only when every measurable metric sits
//     at or below its re-enable threshold;
//   - in between — the hysteresis band — the current state is held, which
//     is what keeps the toggle from flapping near the boundary.
//
// Evaluation is a pure function of its inputs and independent of metric
// order: readings are canonicalized by name, all qualifying reasons are
// reported rather than just the first, and identical inputs always yield
// identical decisions.
package hysteresis

import (
	"fmt"
	"sort"

	"github.com/usagegate/usagegate/internal/metric"
)

// State is the two-valued access toggle. There is no third value: an
// unknown state is resolved at read time by querying the access
// controller, never stored.
type State string

const (
	StateEnabled  State = "enabled"
	StateDisabled State = "disabled"
)

func (s State) Valid() bool {
	return s == StateEnabled || s == StateDisabled
}

// Reading is one metric's input triple. A nil field is "absent": a metric
// with no quota is inert, and a metric with no usage is excluded from both
// the over-quota and re-enable computations this invocation.
type Reading struct {
	Name     metric.Name
	Usage    *float64
	Quota    *float64
	Reenable *float64
}

// Decision is the evaluator's output. The reason slices are ordered by
// metric name, so joined messages are stable under input permutation.
type Decision struct {
	Next    State
	Changed bool

	// OverQuota lists every metric at or over its quota. Non-empty
	// exactly when Next is StateDisabled due to this invocation's usage.
	OverQuota []string

	// ReenableChecks describes each measurable metric's position relative
	// to its re-enable threshold.
	ReenableChecks []string

	// Reasons summarizes every configured metric's usage for "keeping"
	// messages.
	Reasons []string

	// NoThresholds is true when no metric has a quota at all.
	NoThresholds bool
}

// Evaluate computes the next toggle state. It never mutates readings.
func Evaluate(current State, readings []Reading) Decision {
	sorted := make([]Reading, len(readings))
	copy(sorted, readings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var (
		over    []string
		checks  []string
		reasons []string
		blocked bool
	)
	configured := false

	for _, r := range sorted {
		if r.Quota == nil {
			continue // inert: contributes to neither decision
		}
		configured = true

		def, ok := metric.Lookup(r.Name)
		if !ok {
			def = metric.Definition{Name: r.Name, Label: string(r.Name), Format: metric.FormatCount}
		}

		if r.Usage == nil {
			reasons = append(reasons, fmt.Sprintf("%s usage unavailable", def.Label))
			continue
		}

		usage, quota := *r.Usage, *r.Quota
		reasons = append(reasons, fmt.Sprintf("%s usage %s of quota %s",
			def.Label, def.FormatValue(usage), def.FormatValue(quota)))

		if usage >= quota {
			over = append(over, fmt.Sprintf("%s usage %s has reached quota %s",
				def.Label, def.FormatValue(usage), def.FormatValue(quota)))
		}

		if r.Reenable != nil {
			if usage > *r.Reenable {
				blocked = true
				checks = append(checks, fmt.Sprintf("%s usage %s is above re-enable threshold %s",
					def.Label, def.FormatValue(usage), def.FormatValue(*r.Reenable)))
			} else {
				checks = append(checks, fmt.Sprintf("%s usage %s is at or below re-enable threshold %s",
					def.Label, def.FormatValue(usage), def.FormatValue(*r.Reenable)))
			}
		}
	}

	d := Decision{
		OverQuota:      over,
		ReenableChecks: checks,
		Reasons:        reasons,
		NoThresholds:   !configured,
	}

	switch {
	case len(over) > 0:
		// Over quota always disables, even when already disabled — the
		// redundant decision is recorded but triggers no toggle call.
		d.Next = StateDisabled
	case !configured:
		d.Next = current
	case blocked:
		d.Next = current // the hysteresis band: hold
	default:
		d.Next = StateEnabled
	}

	d.Changed = d.Next != current
	return d
}
