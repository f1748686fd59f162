package admission

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hashd-social/bytecave-relay/core/store"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func testLimits() Limits {
	return Limits{
		MaxConnsPerPeer:  2,
		MaxConnsPerIP:    3,
		MaxActivePeers:   100,
		ConnWindow:       time.Minute,
		BlockDuration:    5 * time.Minute,
		MaxBandwidthMbps: 8, // 1 MB/s
		SweepInterval:    30 * time.Second,
	}
}

func newTestController(limits Limits) (*Controller, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(zap.NewNop(), limits, nil)
	c.nowFn = clock.Now
	return c, clock
}

func TestPeerRateLimit(t *testing.T) {
	c, clock := newTestController(testLimits())

	// Per-peer limit 2, window 60000ms: three connections within 10ms.
	d := c.EvaluateConnection("peer-a", "")
	assert.True(t, d.Allowed)

	clock.Advance(5 * time.Millisecond)
	d = c.EvaluateConnection("peer-a", "")
	assert.True(t, d.Allowed)

	clock.Advance(5 * time.Millisecond)
	d = c.EvaluateConnection("peer-a", "")
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonPeerRateExceeded, d.Reason)

	// Now blocked: the next attempt reports the block and its expiry.
	d = c.EvaluateConnection("peer-a", "")
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonPeerBlocked, d.Reason)
	assert.Equal(t, clock.Now().Add(5*time.Minute), d.BlockExpiry)
}

func TestBlockExpiryResetsCount(t *testing.T) {
	c, clock := newTestController(testLimits())

	for i := 0; i < 3; i++ {
		c.EvaluateConnection("peer-a", "")
	}
	d := c.EvaluateConnection("peer-a", "")
	require.Equal(t, ReasonPeerBlocked, d.Reason)

	clock.Advance(5*time.Minute + time.Second)
	d = c.EvaluateConnection("peer-a", "")
	require.True(t, d.Allowed)

	// Count reflects only the post-expiry connection: one more fits.
	d = c.EvaluateConnection("peer-a", "")
	assert.True(t, d.Allowed)
}

func TestIPEscalationToStandingBlock(t *testing.T) {
	c, clock := newTestController(testLimits())
	addr := "203.0.113.7"

	for i := 0; i < 3; i++ {
		d := c.EvaluateConnection(fmt.Sprintf("peer-%d", i), addr)
		require.True(t, d.Allowed, "connection %d", i)
	}

	d := c.EvaluateConnection("peer-3", addr)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonIPRateExceeded, d.Reason)
	assert.True(t, c.IsAddressBlocked(addr))

	// The block stands regardless of elapsed time.
	clock.Advance(24 * time.Hour)
	d = c.EvaluateConnection("peer-4", addr)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonAddressBlocked, d.Reason)

	c.UnblockAddress(addr)
	d = c.EvaluateConnection("peer-4", addr)
	assert.True(t, d.Allowed)
}

func TestIPWindowReset(t *testing.T) {
	c, clock := newTestController(testLimits())
	addr := "203.0.113.8"

	for i := 0; i < 3; i++ {
		require.True(t, c.EvaluateConnection(fmt.Sprintf("peer-%d", i), addr).Allowed)
	}

	// Window elapses: counters reset, the address is not blocked.
	clock.Advance(time.Minute)
	d := c.EvaluateConnection("peer-9", addr)
	assert.True(t, d.Allowed)
	assert.False(t, c.IsAddressBlocked(addr))
}

func TestGlobalLimit(t *testing.T) {
	limits := testLimits()
	limits.MaxActivePeers = 3
	c, _ := newTestController(limits)

	for i := 0; i < 3; i++ {
		require.True(t, c.EvaluateConnection(fmt.Sprintf("peer-%d", i), "").Allowed)
	}

	d := c.EvaluateConnection("peer-late", "")
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonGlobalLimit, d.Reason)

	// Denied regardless of per-peer state: an already-admitted peer is
	// refused too while the table is saturated.
	d = c.EvaluateConnection("peer-0", "")
	assert.Equal(t, ReasonGlobalLimit, d.Reason)
}

func TestGlobalLimitRecovers(t *testing.T) {
	limits := testLimits()
	limits.MaxActivePeers = 2
	c, clock := newTestController(limits)

	require.True(t, c.EvaluateConnection("peer-a", "").Allowed)
	require.True(t, c.EvaluateConnection("peer-b", "").Allowed)
	require.False(t, c.EvaluateConnection("peer-c", "").Allowed)

	clock.Advance(time.Minute + time.Second)
	assert.True(t, c.EvaluateConnection("peer-c", "").Allowed)
}

func TestBandwidth(t *testing.T) {
	c, clock := newTestController(testLimits())

	// Unknown peers are not bandwidth-limited.
	assert.True(t, c.RecordBandwidth("stranger", 1<<30))

	require.True(t, c.EvaluateConnection("peer-a", "").Allowed)

	// 8 Mbps ceiling = 1,000,000 bytes/sec.
	assert.True(t, c.RecordBandwidth("peer-a", 600_000))
	assert.False(t, c.RecordBandwidth("peer-a", 600_000))

	// A fresh one-second window clears the accumulator.
	clock.Advance(time.Second)
	assert.True(t, c.RecordBandwidth("peer-a", 600_000))
}

func TestBandwidthDoesNotTouchConnectionState(t *testing.T) {
	c, _ := newTestController(testLimits())

	require.True(t, c.EvaluateConnection("peer-a", "").Allowed)
	for i := 0; i < 50; i++ {
		c.RecordBandwidth("peer-a", 1)
	}
	// Still one connection slot left in the window.
	assert.True(t, c.EvaluateConnection("peer-a", "").Allowed)
}

func TestRecordDisconnectionFloor(t *testing.T) {
	c, _ := newTestController(testLimits())

	c.RecordDisconnection("never-seen") // no-op, no state created

	require.True(t, c.EvaluateConnection("peer-a", "").Allowed)
	c.RecordDisconnection("peer-a")
	c.RecordDisconnection("peer-a")
	c.RecordDisconnection("peer-a")

	// Floored at zero; the peer can still connect.
	assert.True(t, c.EvaluateConnection("peer-a", "").Allowed)
}

func TestSweep(t *testing.T) {
	c, clock := newTestController(testLimits())

	require.True(t, c.EvaluateConnection("idle-peer", "203.0.113.1").Allowed)

	// Blocked peer, retained by the sweep until the block expires.
	for i := 0; i < 3; i++ {
		c.EvaluateConnection("noisy-peer", "")
	}

	clock.Advance(2*time.Minute + time.Second) // past 2x window
	c.Sweep()

	assert.NotContains(t, c.peers, "idle-peer")
	assert.NotContains(t, c.ips, "203.0.113.1")
	assert.Contains(t, c.peers, "noisy-peer")

	// Once the block lapses the peer is admitted again (lazy expiry), and a
	// later sweep can finally drop the idle state.
	clock.Advance(5 * time.Minute)
	require.True(t, c.EvaluateConnection("noisy-peer", "").Allowed)
	clock.Advance(2*time.Minute + time.Second)
	c.Sweep()
	assert.NotContains(t, c.peers, "noisy-peer")
}

func TestManualPeerBlock(t *testing.T) {
	c, clock := newTestController(testLimits())

	c.BlockPeer("peer-a", 0) // default duration
	d := c.EvaluateConnection("peer-a", "")
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonPeerBlocked, d.Reason)
	assert.Equal(t, clock.Now().Add(5*time.Minute), d.BlockExpiry)

	c.UnblockPeer("peer-a")
	assert.True(t, c.EvaluateConnection("peer-a", "").Allowed)

	c.BlockPeer("peer-b", time.Hour)
	d = c.EvaluateConnection("peer-b", "")
	assert.Equal(t, clock.Now().Add(time.Hour), d.BlockExpiry)
}

func TestManualAddressBlock(t *testing.T) {
	c, _ := newTestController(testLimits())

	c.BlockAddress("198.51.100.4")
	d := c.EvaluateConnection("peer-a", "198.51.100.4")
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonAddressBlocked, d.Reason)

	c.UnblockAddress("198.51.100.4")
	assert.True(t, c.EvaluateConnection("peer-a", "198.51.100.4").Allowed)
}

func TestEmptyPeerID(t *testing.T) {
	c, _ := newTestController(testLimits())
	d := c.EvaluateConnection("", "203.0.113.1")
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonInvalidPeer, d.Reason)
}

func TestStandingBlocksSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	st, err := store.Open(dir)
	require.NoError(t, err)

	c := New(zap.NewNop(), testLimits(), st)
	c.BlockAddress("198.51.100.9")
	require.NoError(t, st.Close())

	st, err = store.Open(dir)
	require.NoError(t, err)
	defer st.Close()

	c2 := New(zap.NewNop(), testLimits(), st)
	assert.True(t, c2.IsAddressBlocked("198.51.100.9"))
}
