package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(days int) *time.Time {
	t := base.Add(time.Duration(days) * 24 * time.Hour)
	return &t
}

var base = time.Date(2025, 1, 10, 9, 30, 0, 0, time.UTC)

func TestPolicy_Evaluate(t *testing.T) {
	tests := []struct {
		name           string
		period         int
		user           *time.Time
		now            time.Time
		wantEffective  *time.Time
		wantOverridden bool
		wantExpired    bool
	}{
		{
			name:   "policy shortens a later user date",
			period: 30, user: at(365), now: base,
			wantEffective: at(30), wantOverridden: true,
		},
		{
			name:   "policy applies when user gave none",
			period: 30, user: nil, now: base,
			wantEffective: at(30), wantOverridden: true,
		},
		{
			name:   "earlier user date stands",
			period: 30, user: at(7), now: base,
			wantEffective: at(7),
		},
		{
			name:   "equal dates keep the user date",
			period: 30, user: at(30), now: base,
			wantEffective: at(30),
		},
		{
			name:   "disabled policy keeps user date",
			period: 0, user: at(365), now: base,
			wantEffective: at(365),
		},
		{
			name:   "disabled policy without user date never expires",
			period: 0, user: nil, now: base.Add(100 * 365 * 24 * time.Hour),
			wantEffective: nil,
		},
		{
			name:   "expired after policy date",
			period: 30, user: nil, now: base.Add(31 * 24 * time.Hour),
			wantEffective: at(30), wantOverridden: true, wantExpired: true,
		},
		{
			name:   "not expired at the exact instant",
			period: 30, user: nil, now: *at(30),
			wantEffective: at(30), wantOverridden: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Policy{PeriodDays: tt.period}.Evaluate(base, tt.user, tt.now)
			assert.Equal(t, tt.wantOverridden, got.Overridden)
			assert.Equal(t, tt.wantExpired, got.Expired)
			if tt.wantEffective == nil {
				assert.Nil(t, got.Effective)
				return
			}
			require.NotNil(t, got.Effective)
			assert.True(t, tt.wantEffective.Equal(*got.Effective), "got %v want %v", got.Effective, tt.wantEffective)
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()

	p, found, err := LoadPolicy(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, p.PeriodDays)

	good := filepath.Join(dir, "data_retention.yaml")
	require.NoError(t, os.WriteFile(good, []byte("data_retention_period: 30\n"), 0o600))
	p, found, err = LoadPolicy(good)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 30, p.PeriodDays)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("data_retention_period: [oops"), 0o600))
	_, _, err = LoadPolicy(bad)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	neg := filepath.Join(dir, "neg.yaml")
	require.NoError(t, os.WriteFile(neg, []byte("data_retention_period: -1\n"), 0o600))
	_, _, err = LoadPolicy(neg)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestSavePolicy_RoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "data_retention.yaml")
	require.NoError(t, SavePolicy(p, Policy{PeriodDays: 90}))

	got, found, err := LoadPolicy(p)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 90, got.PeriodDays)

	assert.ErrorIs(t, SavePolicy(p, Policy{PeriodDays: -5}), common.ErrInvalidArgument)
}

func TestHumanize(t *testing.T) {
	now := base
	assert.Equal(t, "3 days from now", Humanize(now.Add(3*24*time.Hour), now))
	assert.Equal(t, "3 days ago", Humanize(now.Add(-3*24*time.Hour), now))
}
