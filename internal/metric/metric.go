// Package metric defines the fixed set of usage metrics UsageGate governs
// and the extraction of their values from the metrics provider's payload.
// The set is extensible at build time by adding a Definition; it is never
// discovered at runtime.
package metric

import (
	"math"
	"strconv"

	"github.com/dustin/go-humanize"
)

// Name is the fixed tag identifying a governed metric.
type Name string

const (
	Storage        Name = "storage"
	ClassARequests Name = "classARequests"
	ClassBRequests Name = "classBRequests"
)

// Format is the rendering policy for human-readable messages. It never
// affects decisions, only how values appear in justifications.
type Format int

const (
	// FormatBytes renders values as base-1024 size strings ("1GB").
	FormatBytes Format = iota
	// FormatCount renders values as plain integers with separators ("12,345").
	FormatCount
)

// Definition describes one governed metric: its identity, display label,
// rendering policy, and the ordered candidate field names searched for in
// the provider payload.
type Definition struct {
	Name   Name
	Label  string
	Format Format

	// CandidateKeys are the field names that may carry this metric's value
	// in the provider payload. The first finite number owned by any of
	// these names, in payload document order, wins.
	CandidateKeys []string

	// DefaultQuota is the quota applied when no quota string is configured.
	// nil means the metric has no default and is inert unless configured.
	DefaultQuota *float64
}

// defaultStorageQuota is 10GB. Storage is the only metric with a built-in
// ceiling; request-count metrics must be configured explicitly.
var defaultStorageQuota = float64(10 << 30)

var definitions = []Definition{
	{
		Name:          Storage,
		Label:         "Storage",
		Format:        FormatBytes,
		CandidateKeys: []string{"storageBytes", "totalStorageBytes", "storage", "bytesStored", "totalSize"},
		DefaultQuota:  &defaultStorageQuota,
	},
	{
		Name:          ClassARequests,
		Label:         "Class A requests",
		Format:        FormatCount,
		CandidateKeys: []string{"classARequests", "classATransactions", "classACount", "classA"},
	},
	{
		Name:          ClassBRequests,
		Label:         "Class B requests",
		Format:        FormatCount,
		CandidateKeys: []string{"classBRequests", "classBTransactions", "classBCount", "classB"},
	},
}

// Definitions returns the governed metric set in canonical order.
// Callers must not mutate the returned slice.
func Definitions() []Definition {
	return definitions
}

// Lookup returns the definition for the given name.
func Lookup(name Name) (Definition, bool) {
	for _, d := range definitions {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// FormatValue renders a value according to the metric's formatting policy.
func (d Definition) FormatValue(v float64) string {
	if d.Format == FormatBytes {
		return FormatBytes1024(v)
	}
	return humanize.Comma(int64(math.Round(v)))
}

var byteUnits = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// FormatBytes1024 renders a byte count using base-1024 units and the short
// suffixes the quota configuration accepts, so "1GB" round-trips: parsing
// the rendered string yields the original value for whole unit multiples.
func FormatBytes1024(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "?"
	}
	neg := ""
	if v < 0 {
		neg = "-"
		v = -v
	}

	unit := 0
	for v >= 1024 && unit < len(byteUnits)-1 {
		v /= 1024
		unit++
	}

	rounded := math.Round(v*100) / 100
	return neg + strconv.FormatFloat(rounded, 'f', -1, 64) + byteUnits[unit]
}
