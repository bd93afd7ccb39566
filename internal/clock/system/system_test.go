package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowIsCurrentUTC(t *testing.T) {
	t.Parallel()

	got := New().Now()
	require.Equal(t, time.UTC, got.Location())
	require.WithinDuration(t, time.Now(), got, time.Second)
}

func TestNowSupportsQueueTimeArithmetic(t *testing.T) {
	t.Parallel()

	clk := New()
	enqueued := clk.Now()
	time.Sleep(2 * time.Millisecond)
	started := clk.Now()
	require.GreaterOrEqual(t, started.Sub(enqueued), time.Millisecond)
}
