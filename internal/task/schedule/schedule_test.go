package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextIsStrictlyAfterAndRoundTrips(t *testing.T) {
	t.Parallel()
	c := NewCalculator()
	from := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		expr string
		tz   string
	}{
		{"*/5 * * * *", "UTC"},
		{"0 3 * * *", "Europe/Zurich"},
		{"30 8 * * 1-5", "America/New_York"},
		{"0 0 1 * *", "Asia/Tokyo"},
		{"@hourly", "Asia/Jakarta"},
		{"0 10 * * *", "UTC"},
	}
	for _, tc := range cases {
		local, utc, err := c.Next(tc.expr, tc.tz, from)
		require.NoError(t, err, tc.expr)
		assert.True(t, local.After(from), "%s not after %s", local, from)
		assert.True(t, local.Equal(utc), "%s vs %s", local, utc)
		assert.Equal(t, tc.tz, local.Location().String())
		assert.Equal(t, time.UTC, utc.Location())
	}
}

func TestNextOnExactMatchAdvances(t *testing.T) {
	t.Parallel()
	from := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	local, _, err := Next("0 10 * * *", "UTC", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(24*time.Hour), local)
}

func TestNextAcrossDST(t *testing.T) {
	t.Parallel()
	c := NewCalculator()

	// Zurich springs forward on 2025-03-30 (UTC+1 -> UTC+2).
	from := time.Date(2025, 3, 29, 2, 30, 0, 0, time.UTC) // 03:30 CET
	local, utc, err := c.Next("0 3 * * *", "Europe/Zurich", from)
	require.NoError(t, err)
	assert.Equal(t, 3, local.Hour())
	assert.Equal(t, 30, local.Day())
	assert.Equal(t, time.Date(2025, 3, 30, 1, 0, 0, 0, time.UTC), utc)

	prev := time.Date(2025, 3, 29, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, 23*time.Hour, utc.Sub(prev))

	// Falls back on 2025-10-26.
	from = time.Date(2025, 10, 25, 1, 30, 0, 0, time.UTC)
	_, utc, err = c.Next("0 3 * * *", "Europe/Zurich", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 10, 26, 2, 0, 0, 0, time.UTC), utc)
}

func TestDayOfMonthOrDayOfWeek(t *testing.T) {
	t.Parallel()
	// 2025-06-02 is a Monday; the 15th is a Sunday.
	from := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	local, _, err := Next("0 9 15 * 1", "UTC", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), local)
}

func TestInvalidSchedule(t *testing.T) {
	t.Parallel()
	c := NewCalculator()
	cases := []struct {
		expr, tz string
	}{
		{"", "UTC"},
		{"61 * * * *", "UTC"},
		{"* * *", "UTC"},
		{"0 3 * * *", "Mars/Olympus"},
		{"CRON_TZ=UTC 0 3 * * *", "UTC"},
		{"0 0 30 2 *", "UTC"},
	}
	for _, tc := range cases {
		_, _, err := c.Next(tc.expr, tc.tz, time.Now())
		require.Error(t, err, tc.expr)
		assert.True(t, IsInvalid(err), tc.expr)
		var ise *InvalidScheduleError
		require.ErrorAs(t, err, &ise)
		assert.NotEmpty(t, ise.Remediation())
	}
}

func TestUpcoming(t *testing.T) {
	t.Parallel()
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := NewCalculator().Upcoming("0 12 * * *", "UTC", from, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, time.Date(2025, 1, 3, 12, 0, 0, 0, time.UTC), got[2])
}

func TestParseLocal(t *testing.T) {
	t.Parallel()
	c := NewCalculator()
	local, utc, err := c.ParseLocal("2025-07-01T09:30", "Europe/Zurich")
	require.NoError(t, err)
	assert.Equal(t, 9, local.Hour())
	assert.Equal(t, time.Date(2025, 7, 1, 7, 30, 0, 0, time.UTC), utc)

	_, utc, err = c.ParseLocal("2025-07-01T09:30:00Z", "Europe/Zurich")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 1, 9, 30, 0, 0, time.UTC), utc)

	_, _, err = c.ParseLocal("tomorrow", "UTC")
	assert.True(t, IsInvalid(err))
}
