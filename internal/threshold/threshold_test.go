package threshold

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(v float64) *float64 { return &v }

func TestParseSize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr bool
	}{
		{"bare integer", "1024", 1024, false},
		{"bare float", "1.5", 1.5, false},
		{"bytes suffix", "512b", 512, false},
		{"kilobytes", "2kb", 2048, false},
		{"megabytes", "1mb", 1 << 20, false},
		{"gigabytes", "1gb", 1 << 30, false},
		{"terabytes", "1tb", 1 << 40, false},
		{"petabytes", "1pb", 1 << 50, false},
		{"uppercase suffix", "1GB", 1 << 30, false},
		{"mixed case suffix", "1Gb", 1 << 30, false},
		{"fractional with suffix", "1.5gb", 1.5 * (1 << 30), false},
		{"space before suffix", "10 mb", 10 << 20, false},
		{"surrounding whitespace", "  100  ", 100, false},
		{"empty", "", 0, true},
		{"whitespace only", "   ", 0, true},
		{"garbage", "ten", 0, true},
		{"suffix only", "gb", 0, true},
		{"unknown suffix", "10xb", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	t.Run("explicit quota gets default reenable at 80 percent", func(t *testing.T) {
		limits, warnings, err := Resolve("100", "", nil)
		require.NoError(t, err)
		assert.Empty(t, warnings)
		require.NotNil(t, limits.Quota)
		assert.Equal(t, 100.0, *limits.Quota)
		require.NotNil(t, limits.Reenable)
		assert.Equal(t, 80.0, *limits.Reenable)
	})

	t.Run("default reenable is floored", func(t *testing.T) {
		limits, _, err := Resolve("99", "", nil)
		require.NoError(t, err)
		require.NotNil(t, limits.Reenable)
		assert.Equal(t, 79.0, *limits.Reenable) // floor(99 * 0.8)
	})

	t.Run("explicit reenable is kept verbatim", func(t *testing.T) {
		limits, warnings, err := Resolve("100", "50", nil)
		require.NoError(t, err)
		assert.Empty(t, warnings)
		require.NotNil(t, limits.Reenable)
		assert.Equal(t, 50.0, *limits.Reenable)
	})

	t.Run("reenable above quota is clamped to 90 percent with warning", func(t *testing.T) {
		limits, warnings, err := Resolve("100", "150", nil)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "exceeds quota")
		require.NotNil(t, limits.Reenable)
		assert.Equal(t, 90.0, *limits.Reenable)
	})

	t.Run("reenable equal to quota is not clamped", func(t *testing.T) {
		limits, warnings, err := Resolve("100", "100", nil)
		require.NoError(t, err)
		assert.Empty(t, warnings)
		require.NotNil(t, limits.Reenable)
		assert.Equal(t, 100.0, *limits.Reenable)
	})

	t.Run("quota falls back to the default", func(t *testing.T) {
		limits, warnings, err := Resolve("", "", fp(float64(10<<30)))
		require.NoError(t, err)
		assert.Empty(t, warnings)
		require.NotNil(t, limits.Quota)
		assert.Equal(t, float64(10<<30), *limits.Quota)
		require.NotNil(t, limits.Reenable)
		assert.Equal(t, float64(8<<30), *limits.Reenable) // floor(10GB * 0.8)
	})

	t.Run("explicit quota overrides the default", func(t *testing.T) {
		limits, _, err := Resolve("1gb", "", fp(float64(10<<30)))
		require.NoError(t, err)
		require.NotNil(t, limits.Quota)
		assert.Equal(t, float64(1<<30), *limits.Quota)
	})

	t.Run("no quota and no default means inert", func(t *testing.T) {
		limits, warnings, err := Resolve("", "", nil)
		require.NoError(t, err)
		assert.Empty(t, warnings)
		assert.Nil(t, limits.Quota)
		assert.Nil(t, limits.Reenable)
	})

	t.Run("reenable without quota is ignored with warning", func(t *testing.T) {
		limits, warnings, err := Resolve("", "50", nil)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "without a quota")
		assert.Nil(t, limits.Quota)
		assert.Nil(t, limits.Reenable)
	})

	t.Run("unparseable quota is invalid configuration", func(t *testing.T) {
		_, _, err := Resolve("lots", "", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("zero quota is invalid configuration", func(t *testing.T) {
		_, _, err := Resolve("0", "", nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("negative quota is invalid configuration", func(t *testing.T) {
		_, _, err := Resolve("-5gb", "", nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("negative reenable is invalid configuration", func(t *testing.T) {
		_, _, err := Resolve("100", "-1", nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("unparseable reenable is invalid configuration", func(t *testing.T) {
		_, _, err := Resolve("100", "half", nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("resolution is deterministic across calls", func(t *testing.T) {
		first, _, err := Resolve("100", "150", nil)
		require.NoError(t, err)
		second, _, err := Resolve("100", "150", nil)
		require.NoError(t, err)
		assert.Equal(t, *first.Quota, *second.Quota)
		assert.Equal(t, *first.Reenable, *second.Reenable)
	})
}
