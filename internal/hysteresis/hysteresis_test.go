package hysteresis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usagegate/usagegate/internal/metric"
)

func fp(v float64) *float64 { return &v }

func storageReading(usage, quota, reenable *float64) Reading {
	return Reading{Name: metric.Storage, Usage: usage, Quota: quota, Reenable: reenable}
}

func TestEvaluateOverQuota(t *testing.T) {
	t.Run("usage at quota disables", func(t *testing.T) {
		d := Evaluate(StateEnabled, []Reading{storageReading(fp(100), fp(100), fp(80))})
		assert.Equal(t, StateDisabled, d.Next)
		assert.True(t, d.Changed)
		require.Len(t, d.OverQuota, 1)
		assert.Contains(t, d.OverQuota[0], "has reached quota")
	})

	t.Run("usage above quota disables", func(t *testing.T) {
		d := Evaluate(StateEnabled, []Reading{storageReading(fp(150), fp(100), fp(80))})
		assert.Equal(t, StateDisabled, d.Next)
		assert.True(t, d.Changed)
	})

	t.Run("over quota while already disabled is not a change", func(t *testing.T) {
		d := Evaluate(StateDisabled, []Reading{storageReading(fp(150), fp(100), fp(80))})
		assert.Equal(t, StateDisabled, d.Next)
		assert.False(t, d.Changed)
		assert.NotEmpty(t, d.OverQuota)
	})

	t.Run("any single metric over quota wins", func(t *testing.T) {
		d := Evaluate(StateEnabled, []Reading{
			storageReading(fp(10), fp(100), fp(80)),
			{Name: metric.ClassARequests, Usage: fp(5000), Quota: fp(1000), Reenable: fp(800)},
		})
		assert.Equal(t, StateDisabled, d.Next)
		require.Len(t, d.OverQuota, 1)
		assert.Contains(t, d.OverQuota[0], "Class A requests")
	})

	t.Run("all over-quota metrics are reported", func(t *testing.T) {
		d := Evaluate(StateEnabled, []Reading{
			storageReading(fp(200), fp(100), fp(80)),
			{Name: metric.ClassARequests, Usage: fp(5000), Quota: fp(1000), Reenable: fp(800)},
		})
		assert.Equal(t, StateDisabled, d.Next)
		assert.Len(t, d.OverQuota, 2)
	})
}

func TestEvaluateReenable(t *testing.T) {
	t.Run("below reenable threshold re-enables", func(t *testing.T) {
		d := Evaluate(StateDisabled, []Reading{storageReading(fp(75), fp(100), fp(80))})
		assert.Equal(t, StateEnabled, d.Next)
		assert.True(t, d.Changed)
		require.Len(t, d.ReenableChecks, 1)
		assert.Contains(t, d.ReenableChecks[0], "at or below re-enable threshold")
	})

	t.Run("exactly at reenable threshold re-enables", func(t *testing.T) {
		d := Evaluate(StateDisabled, []Reading{storageReading(fp(80), fp(100), fp(80))})
		assert.Equal(t, StateEnabled, d.Next)
		assert.True(t, d.Changed)
	})

	t.Run("in the band holds disabled", func(t *testing.T) {
		d := Evaluate(StateDisabled, []Reading{storageReading(fp(85), fp(100), fp(80))})
		assert.Equal(t, StateDisabled, d.Next)
		assert.False(t, d.Changed)
		require.Len(t, d.ReenableChecks, 1)
		assert.Contains(t, d.ReenableChecks[0], "above re-enable threshold")
	})

	t.Run("in the band holds enabled", func(t *testing.T) {
		d := Evaluate(StateEnabled, []Reading{storageReading(fp(85), fp(100), fp(80))})
		assert.Equal(t, StateEnabled, d.Next)
		assert.False(t, d.Changed)
	})

	t.Run("one metric still above its threshold blocks re-enable", func(t *testing.T) {
		d := Evaluate(StateDisabled, []Reading{
			storageReading(fp(10), fp(100), fp(80)),
			{Name: metric.ClassARequests, Usage: fp(900), Quota: fp(1000), Reenable: fp(800)},
		})
		assert.Equal(t, StateDisabled, d.Next)
		assert.False(t, d.Changed)
	})

	t.Run("every measurable metric below threshold re-enables", func(t *testing.T) {
		d := Evaluate(StateDisabled, []Reading{
			storageReading(fp(10), fp(100), fp(80)),
			{Name: metric.ClassARequests, Usage: fp(100), Quota: fp(1000), Reenable: fp(800)},
		})
		assert.Equal(t, StateEnabled, d.Next)
		assert.True(t, d.Changed)
		assert.Len(t, d.ReenableChecks, 2)
	})
}

func TestEvaluateAbsentValues(t *testing.T) {
	t.Run("metric without quota is inert", func(t *testing.T) {
		d := Evaluate(StateEnabled, []Reading{
			{Name: metric.ClassARequests, Usage: fp(1e12)}, // huge, but no quota
			storageReading(fp(10), fp(100), fp(80)),
		})
		assert.Equal(t, StateEnabled, d.Next)
		assert.Empty(t, d.OverQuota)
	})

	t.Run("no quotas at all holds current state", func(t *testing.T) {
		readings := []Reading{
			{Name: metric.Storage, Usage: fp(50)},
			{Name: metric.ClassARequests, Usage: fp(50)},
		}
		d := Evaluate(StateDisabled, readings)
		assert.Equal(t, StateDisabled, d.Next)
		assert.False(t, d.Changed)
		assert.True(t, d.NoThresholds)

		d = Evaluate(StateEnabled, readings)
		assert.Equal(t, StateEnabled, d.Next)
		assert.True(t, d.NoThresholds)
	})

	t.Run("unmeasured metric neither disables nor blocks", func(t *testing.T) {
		d := Evaluate(StateDisabled, []Reading{
			storageReading(nil, fp(100), fp(80)), // usage absent this fetch
			{Name: metric.ClassARequests, Usage: fp(100), Quota: fp(1000), Reenable: fp(800)},
		})
		assert.Equal(t, StateEnabled, d.Next)
		assert.True(t, d.Changed)
		require.NotEmpty(t, d.Reasons)
		assert.Contains(t, d.Reasons[1], "usage unavailable")
	})
}

func TestEvaluateOrderIndependence(t *testing.T) {
	a := storageReading(fp(200), fp(100), fp(80))
	b := Reading{Name: metric.ClassARequests, Usage: fp(5000), Quota: fp(1000), Reenable: fp(800)}
	c := Reading{Name: metric.ClassBRequests, Usage: fp(10), Quota: fp(1000), Reenable: fp(800)}

	forward := Evaluate(StateEnabled, []Reading{a, b, c})
	reversed := Evaluate(StateEnabled, []Reading{c, b, a})

	assert.Equal(t, forward, reversed)
}

func TestEvaluateHysteresisSequence(t *testing.T) {
	// Walk a usage trajectory across the band and back: 90 (enabled,
	// in band) → 100 (disabled) → 85 (still disabled, in band) → 75
	// (re-enabled, below threshold).
	quota, reenable := fp(100.0), fp(80.0)
	state := StateEnabled

	step := func(usage float64) Decision {
		d := Evaluate(state, []Reading{storageReading(fp(usage), quota, reenable)})
		state = d.Next
		return d
	}

	d := step(90)
	assert.Equal(t, StateEnabled, d.Next, "in-band usage holds enabled")

	d = step(100)
	assert.Equal(t, StateDisabled, d.Next, "at-quota usage disables")
	assert.True(t, d.Changed)

	d = step(85)
	assert.Equal(t, StateDisabled, d.Next, "in-band usage holds disabled")
	assert.False(t, d.Changed)

	d = step(75)
	assert.Equal(t, StateEnabled, d.Next, "below-threshold usage re-enables")
	assert.True(t, d.Changed)
}

func TestEvaluateMessagesUseFormattedValues(t *testing.T) {
	gb := float64(1 << 30)
	d := Evaluate(StateEnabled, []Reading{storageReading(fp(2 * gb), fp(gb), fp(0.8 * gb))})
	require.Len(t, d.OverQuota, 1)
	assert.Contains(t, d.OverQuota[0], "Storage usage 2GB has reached quota 1GB")
}

func TestStateValid(t *testing.T) {
	assert.True(t, StateEnabled.Valid())
	assert.True(t, StateDisabled.Valid())
	assert.False(t, State("").Valid())
	assert.False(t, State("unknown").Valid())
	assert.False(t, State("Enabled").Valid())
}
