package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpdateNotifiesSubscriber(t *testing.T) {
	var tr = New("source+memory://memory/app/users", 100)

	var got []Summary
	tr.Subscribe(func(s Summary) { got = append(got, s) })

	tr.Update(25, true)
	tr.Update(25, true)
	tr.Update(80, false)

	require.Len(t, got, 3)
	require.Equal(t, int64(25), got[0].Processed)
	require.Equal(t, int64(50), got[1].Processed)
	require.Equal(t, int64(80), got[2].Processed)
	require.Equal(t, float64(80), got[2].Percent)
	require.Equal(t, "source+memory://memory/app/users", got[2].URI)
}

func TestRateAndETA(t *testing.T) {
	var tr = New("destination+console://ns/s/t", 100)
	var base = tr.started
	tr.now = func() time.Time { return base.Add(10 * time.Second) }

	tr.Update(50, true)
	var s = tr.Summary()
	require.InDelta(t, 5.0, s.RateRPS, 0.01)
	require.InDelta(t, 10.0, s.ETASeconds, 0.01)
}

func TestUnknownTotal(t *testing.T) {
	var tr = New("u", -1)
	tr.Update(10, true)
	var s = tr.Summary()
	require.Equal(t, int64(10), s.Processed)
	require.Zero(t, s.Percent)
	require.Zero(t, s.ETASeconds)

	tr.SetTotal(20)
	require.Equal(t, float64(50), tr.Summary().Percent)
}

func TestMessage(t *testing.T) {
	var tr = New("u", 0)
	var last Summary
	tr.Subscribe(func(s Summary) { last = s })
	tr.Message("no records to process")
	require.Equal(t, "no records to process", last.Message)
}
