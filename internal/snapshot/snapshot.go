// Package snapshot assembles the evaluator's decision into the durable
// state record and the caller-facing result. Assembly is pure: all inputs
// come from the invocation, nothing is read from the environment.
package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/usagegate/usagegate/internal/hysteresis"
)

// MetricState is one metric's values as persisted and reported. Absent
// values are omitted from the JSON encoding rather than serialized as zero.
type MetricState struct {
	Name     string   `json:"name"`
	Usage    *float64 `json:"usage,omitempty"`
	Quota    *float64 `json:"quota,omitempty"`
	Reenable *float64 `json:"reenable,omitempty"`
}

// Snapshot is the durable record written to the state store once per
// invocation and read once per invocation. Last writer wins; there is no
// versioning and the record is never deleted by UsageGate.
type Snapshot struct {
	ToggleState hysteresis.State `json:"toggle_state"`
	Metrics     []MetricState    `json:"metrics"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Message     string           `json:"message"`
}

// Result is the structured summary returned to the trigger. The error path
// produces {success:false, error} with no state fields.
type Result struct {
	Success     bool             `json:"success"`
	ToggleState hysteresis.State `json:"toggle_state,omitempty"`
	Metrics     []MetricState    `json:"metrics,omitempty"`
	Timestamp   time.Time        `json:"timestamp,omitzero"`
	Message     string           `json:"message,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Build assembles the snapshot to persist and the result to return from a
// decision and the readings that produced it.
func Build(d hysteresis.Decision, readings []hysteresis.Reading, now time.Time) (*Snapshot, *Result) {
	metrics := make([]MetricState, 0, len(readings))
	for _, r := range readings {
		metrics = append(metrics, MetricState{
			Name:     string(r.Name),
			Usage:    r.Usage,
			Quota:    r.Quota,
			Reenable: r.Reenable,
		})
	}
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].Name < metrics[j].Name })

	msg := Message(d)

	snap := &Snapshot{
		ToggleState: d.Next,
		Metrics:     metrics,
		UpdatedAt:   now,
		Message:     msg,
	}
	res := &Result{
		Success:     true,
		ToggleState: d.Next,
		Metrics:     metrics,
		Timestamp:   now,
		Message:     msg,
	}
	return snap, res
}

// Failure builds the structured failure result for a fatal invocation error.
func Failure(err error, now time.Time) *Result {
	return &Result{
		Success:   false,
		Timestamp: now,
		Error:     err.Error(),
	}
}

// Message renders the human-readable justification for a decision.
func Message(d hysteresis.Decision) string {
	switch {
	case len(d.OverQuota) > 0:
		return "Disabling access key: " + strings.Join(d.OverQuota, "; ") + "."
	case d.Changed && d.Next == hysteresis.StateEnabled:
		checks := strings.Join(d.ReenableChecks, "; ")
		if checks == "" {
			checks = "all re-enable thresholds satisfied"
		}
		return "Re-enabling access key: " + checks + "."
	default:
		detail := strings.Join(d.Reasons, "; ")
		if detail == "" {
			detail = "no thresholds configured"
		}
		return fmt.Sprintf("Keeping access key %s. Metrics: %s.", d.Next, detail)
	}
}
