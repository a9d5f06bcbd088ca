package entitlements

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want Plan
	}{
		{in: "free", want: PlanFree},
		{in: "pro_monthly", want: PlanProMonthly},
		{in: " PRO_YEARLY ", want: PlanProYearly},
		{in: "premium", want: PlanFree},
		{in: "", want: PlanFree},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLookup(t *testing.T) {
	spec, ok := Lookup("pro_monthly")
	require.True(t, ok)
	assert.Equal(t, 30*24*time.Hour, spec.Duration)
	assert.True(t, spec.Purchasable())
	assert.Nil(t, spec.DailyPhotoLimit)

	_, ok = Lookup("gold")
	assert.False(t, ok)

	free, ok := Lookup("free")
	require.True(t, ok)
	assert.False(t, free.Purchasable())
}

func TestDailyPhotoLimit(t *testing.T) {
	limit := DailyPhotoLimit(PlanFree)
	require.NotNil(t, limit)
	assert.Equal(t, FreeDailyPhotoLimit, *limit)

	// callers must not be able to mutate the catalog
	*limit = 100
	assert.Equal(t, FreeDailyPhotoLimit, *DailyPhotoLimit(PlanFree))

	assert.Nil(t, DailyPhotoLimit(PlanProYearly))
}

func TestIsPaid(t *testing.T) {
	assert.False(t, IsPaid(PlanFree))
	assert.True(t, IsPaid(PlanProMonthly))
	assert.True(t, IsPaid(PlanProYearly))
}
