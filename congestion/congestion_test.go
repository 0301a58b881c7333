package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRenoSlowStartGrowsWindow(t *testing.T) {
	r := NewReno()
	initial := r.TxWindow()
	r.Update(5)
	require.Greater(t, r.TxWindow(), initial)
}

func TestRenoMissedHalvesWindowAndLeavesSlowStart(t *testing.T) {
	r := NewReno()
	for i := 0; i < 10; i++ {
		r.Update(1)
	}
	before := r.TxWindow()
	r.Missed(1)
	require.Equal(t, before/2, r.TxWindow())
	require.False(t, r.inSlowStart)
}

func TestRenoTimeoutCollapsesToMinWindow(t *testing.T) {
	r := NewReno()
	r.Update(20)
	r.Timeout()
	require.Equal(t, uint32(1), r.TxWindow())
}

func TestRenoWindowNeverBelowFloor(t *testing.T) {
	r := NewReno()
	for i := 0; i < 5; i++ {
		r.Missed(uint64(i))
	}
	require.GreaterOrEqual(t, r.TxWindow(), uint32(1))
}

func TestRenoWindowNeverAboveCeiling(t *testing.T) {
	r := NewReno()
	for i := 0; i < 10000; i++ {
		r.Update(1)
	}
	require.LessOrEqual(t, r.TxWindow(), uint32(1024))
}

func TestRenoRTTUpdateRecordsLastRTT(t *testing.T) {
	r := NewReno()
	require.Equal(t, time.Duration(0), r.LastRTT())
	r.RTTUpdate(3, 250*time.Millisecond)
	require.Equal(t, 250*time.Millisecond, r.LastRTT())
}

func TestRenoNotifyBacksOffWithoutFullLossCollapse(t *testing.T) {
	r := NewReno()
	for i := 0; i < 20; i++ {
		r.Update(1)
	}
	before := r.TxWindow()
	r.Notify()
	require.Less(t, r.TxWindow(), before)
	require.Greater(t, r.TxWindow(), uint32(1))
}

func TestRenoResetReturnsToSlowStart(t *testing.T) {
	r := NewReno()
	r.Missed(1)
	r.Reset()
	require.Equal(t, uint32(2), r.TxWindow())
}
