package replication

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestModeJSONRoundTrip(t *testing.T) {
	var start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var end = time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC)
	var m = Mode{Type: Incremental, Period: Daily, Start: &start, End: &end}

	var raw, err = json.Marshal(m)
	require.NoError(t, err)

	var back *Mode
	back, err = ParseMode(raw)
	require.NoError(t, err)
	require.Equal(t, &m, back)
}

func TestParseModeDefaultsAndValidation(t *testing.T) {
	var m, err = ParseMode([]byte(`{}`))
	require.NoError(t, err)
	require.True(t, m.IsFullRefresh())

	_, err = ParseMode([]byte(`{"type":"SOMETIMES"}`))
	require.Error(t, err)

	_, err = ParseMode([]byte(`{"type":"INCREMENTAL","period":"FORTNIGHTLY"}`))
	require.Error(t, err)

	// Start must precede end.
	_, err = ParseMode([]byte(`{"type":"INCREMENTAL","start":"2025-01-02T00:00:00Z","end":"2025-01-01T00:00:00Z"}`))
	require.Error(t, err)
}

func TestResolveWindows(t *testing.T) {
	var now = time.Date(2025, 3, 5, 3, 4, 0, 0, time.UTC) // a Wednesday

	var cases = []struct {
		frequency string
		delta     time.Duration
	}{
		{Weekly, 7*24*time.Hour + 12*time.Hour},
		{Daily, 24*time.Hour + 3*time.Hour},
		{SixHourly, 6*time.Hour + 30*time.Minute},
		{Hourly, time.Hour + 15*time.Minute},
	}
	for _, tc := range cases {
		var m, err = Resolve(Schedule{Frequency: tc.frequency, Hour: 3, Minute: 0}, now)
		require.NoError(t, err)
		require.Equal(t, Incremental, m.Type)
		require.Equal(t, tc.frequency, m.Period)
		require.Equal(t, time.Date(2025, 3, 5, 3, 0, 0, 0, time.UTC), *m.End)
		require.Equal(t, m.End.Add(-tc.delta), *m.Start)
	}
}

func TestResolveFullRefreshSkipsWindow(t *testing.T) {
	var m, err = Resolve(Schedule{Type: FullRefresh, Frequency: Daily}, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, m.IsFullRefresh())
	require.Nil(t, m.Start)
	require.Nil(t, m.End)
}

func TestResolveRejectsUnknownFrequency(t *testing.T) {
	var _, err = Resolve(Schedule{Frequency: "MONTHLY"}, time.Now().UTC())
	require.Error(t, err)
}

func TestScheduleCron(t *testing.T) {
	var cases = []struct {
		schedule Schedule
		want     string
	}{
		{Schedule{Frequency: Weekly, Day: 0, Hour: 6, Minute: 30}, "30 6 * * 0"},
		{Schedule{Frequency: Daily, Hour: 3, Minute: 0}, "0 3 * * *"},
		{Schedule{Frequency: SixHourly, Minute: 15}, "15 */6 * * *"},
		{Schedule{Frequency: Hourly, Minute: 45}, "45 * * * *"},
	}
	for _, tc := range cases {
		var got, err = tc.schedule.Cron()
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	var _, err = Schedule{Frequency: "MONTHLY"}.Cron()
	require.Error(t, err)
}

func TestDetectRunGap(t *testing.T) {
	var start = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	var end = start.Add(27 * time.Hour)
	var mode = &Mode{Type: Incremental, Period: Daily, Start: &start, End: &end}

	// Prior run before the window start is a gap.
	var stale = start.Add(-2 * time.Hour)
	var err = DetectRunGap(&stale, mode, false)
	var gap *RunGapError
	require.ErrorAs(t, err, &gap)
	require.Equal(t, "RUN_GAP_DETECTED", gap.Code())

	// Inside the window is fine.
	var fresh = start.Add(time.Hour)
	require.NoError(t, DetectRunGap(&fresh, mode, false))

	// Overrides, full refresh, and missing history disable the check.
	require.NoError(t, DetectRunGap(&stale, mode, true))
	require.NoError(t, DetectRunGap(&stale, &Mode{Type: FullRefresh}, false))
	require.NoError(t, DetectRunGap(nil, mode, false))
}
