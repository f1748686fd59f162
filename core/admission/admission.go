package admission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Denial reasons surfaced to callers. Denials are values, never errors.
const (
	ReasonInvalidPeer      = "invalid peer id"
	ReasonGlobalLimit      = "global limit"
	ReasonAddressBlocked   = "address blocked"
	ReasonIPRateExceeded   = "ip rate exceeded"
	ReasonPeerBlocked      = "peer blocked"
	ReasonPeerRateExceeded = "peer rate exceeded"
)

type Limits struct {
	MaxConnsPerPeer  int
	MaxConnsPerIP    int
	MaxActivePeers   int
	ConnWindow       time.Duration
	BlockDuration    time.Duration
	MaxBandwidthMbps float64
	SweepInterval    time.Duration
}

// Decision is the outcome of a connection evaluation.
type Decision struct {
	Allowed     bool
	Reason      string
	BlockExpiry time.Time // set when denied because of an active peer block
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

type peerState struct {
	connCount     int
	windowStart   time.Time // timestamp of the peer's last counted connection
	bwBytes       int64
	bwWindowStart time.Time
	blocked       bool
	blockExpiry   time.Time
}

type ipState struct {
	connCount   int
	windowStart time.Time
	peers       map[string]struct{}
}

// BlockStore persists standing address blocks across restarts.
type BlockStore interface {
	PutBlockedAddress(addr string) error
	DeleteBlockedAddress(addr string) error
	BlockedAddresses() ([]string, error)
	PutViolationCount(addr string, count uint64) error
	ViolationCount(addr string) (uint64, error)
}

// Controller decides, per incoming peer and source address, whether a
// connection attempt is admitted, tracks bandwidth consumption, and
// auto-blocks offenders. All state is in-memory behind one mutex; no
// operation performs blocking I/O on the decision path.
type Controller struct {
	mu           sync.Mutex
	log          *zap.Logger
	limits       Limits
	peers        map[string]*peerState
	ips          map[string]*ipState
	blockedAddrs map[string]struct{}
	store        BlockStore

	nowFn  func() time.Time
	cancel context.CancelFunc
}

// New builds a controller. The store may be nil; when present, previously
// blocked addresses are reloaded from it.
func New(log *zap.Logger, limits Limits, bs BlockStore) *Controller {
	c := &Controller{
		log:          log,
		limits:       limits,
		peers:        make(map[string]*peerState),
		ips:          make(map[string]*ipState),
		blockedAddrs: make(map[string]struct{}),
		store:        bs,
		nowFn:        time.Now,
	}
	if bs != nil {
		addrs, err := bs.BlockedAddresses()
		if err != nil {
			log.Warn("failed to reload blocked addresses", zap.Error(err))
		}
		for _, a := range addrs {
			c.blockedAddrs[a] = struct{}{}
		}
		if len(addrs) > 0 {
			log.Info("reloaded standing address blocks", zap.Int("count", len(addrs)))
		}
	}
	return c
}

func (c *Controller) Name() string { return "admission" }

func (c *Controller) Start(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.sweepLoop(sctx)
	return nil
}

func (c *Controller) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *Controller) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.limits.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// EvaluateConnection runs the admission checks in order; the first failing
// check wins. sourceAddr may be empty when the transport cannot surface one.
func (c *Controller) EvaluateConnection(peerID, sourceAddr string) Decision {
	if peerID == "" {
		return deny(ReasonInvalidPeer)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFn()

	if c.activePeerCount(now) >= c.limits.MaxActivePeers {
		return deny(ReasonGlobalLimit)
	}

	if sourceAddr != "" {
		if _, blocked := c.blockedAddrs[sourceAddr]; blocked {
			return deny(ReasonAddressBlocked)
		}
		if d := c.checkIPWindow(peerID, sourceAddr, now); !d.Allowed {
			return d
		}
	}

	ps, ok := c.peers[peerID]
	if !ok {
		ps = &peerState{}
		c.peers[peerID] = ps
	}

	if ps.blocked {
		if now.Before(ps.blockExpiry) {
			return Decision{Reason: ReasonPeerBlocked, BlockExpiry: ps.blockExpiry}
		}
		ps.blocked = false
		ps.connCount = 0
	}

	if now.Sub(ps.windowStart) < c.limits.ConnWindow {
		if ps.connCount+1 > c.limits.MaxConnsPerPeer {
			ps.blocked = true
			ps.blockExpiry = now.Add(c.limits.BlockDuration)
			c.log.Warn("peer exceeded connection rate, blocking",
				zap.String("peer", peerID),
				zap.Time("until", ps.blockExpiry))
			return deny(ReasonPeerRateExceeded)
		}
		ps.connCount++
	} else {
		// New window: the count reflects only this connection.
		ps.connCount = 1
	}
	ps.windowStart = now
	return allow()
}

// activePeerCount counts peers whose last connection falls inside the
// connection window. Caller holds the lock.
func (c *Controller) activePeerCount(now time.Time) int {
	n := 0
	for _, ps := range c.peers {
		if now.Sub(ps.windowStart) < c.limits.ConnWindow {
			n++
		}
	}
	return n
}

// checkIPWindow applies the per-address rate check. Overflow escalates the
// address into the standing blocked set. Caller holds the lock.
func (c *Controller) checkIPWindow(peerID, addr string, now time.Time) Decision {
	st, ok := c.ips[addr]
	if !ok {
		c.ips[addr] = &ipState{
			connCount:   1,
			windowStart: now,
			peers:       map[string]struct{}{peerID: {}},
		}
		return allow()
	}

	if now.Sub(st.windowStart) >= c.limits.ConnWindow {
		st.connCount = 1
		st.windowStart = now
		st.peers = map[string]struct{}{peerID: {}}
		return allow()
	}

	if st.connCount >= c.limits.MaxConnsPerIP {
		c.blockedAddrs[addr] = struct{}{}
		c.log.Warn("address exceeded connection rate, standing block applied",
			zap.String("addr", addr),
			zap.Int("peers_seen", len(st.peers)))
		c.persistAddressBlock(addr)
		return deny(ReasonIPRateExceeded)
	}

	st.connCount++
	st.peers[peerID] = struct{}{}
	return allow()
}

func (c *Controller) persistAddressBlock(addr string) {
	if c.store == nil {
		return
	}
	if err := c.store.PutBlockedAddress(addr); err != nil {
		c.log.Warn("failed to persist address block", zap.String("addr", addr), zap.Error(err))
		return
	}
	count, err := c.store.ViolationCount(addr)
	if err != nil {
		c.log.Warn("failed to read violation count", zap.String("addr", addr), zap.Error(err))
		return
	}
	if err := c.store.PutViolationCount(addr, count+1); err != nil {
		c.log.Warn("failed to persist violation count", zap.String("addr", addr), zap.Error(err))
	}
}

// RecordBandwidth accumulates bytes observed for a peer inside a rolling
// one-second window and reports whether the peer is still under its ceiling.
// Unknown peers are not bandwidth-limited; they are gated at the connection
// level instead. Connection-rate state is untouched.
func (c *Controller) RecordBandwidth(peerID string, byteCount int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.peers[peerID]
	if !ok {
		return true
	}

	now := c.nowFn()
	if now.Sub(ps.bwWindowStart) >= time.Second {
		ps.bwBytes = 0
		ps.bwWindowStart = now
	}
	ps.bwBytes += int64(byteCount)

	ceiling := c.limits.MaxBandwidthMbps * 1_000_000 / 8 // Mbps to bytes/sec
	if float64(ps.bwBytes) > ceiling {
		c.log.Warn("peer over bandwidth ceiling",
			zap.String("peer", peerID),
			zap.Int64("bytes", ps.bwBytes))
		return false
	}
	return true
}

// RecordDisconnection decrements the peer's connection count, floored at
// zero. The state itself is retained for window and block bookkeeping.
func (c *Controller) RecordDisconnection(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ps, ok := c.peers[peerID]; ok && ps.connCount > 0 {
		ps.connCount--
	}
}

// BlockPeer places a time-bounded block on a peer outside the automatic
// path. A non-positive duration uses the default block duration.
func (c *Controller) BlockPeer(peerID string, duration time.Duration) {
	if duration <= 0 {
		duration = c.limits.BlockDuration
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.peers[peerID]
	if !ok {
		ps = &peerState{}
		c.peers[peerID] = ps
	}
	ps.blocked = true
	ps.blockExpiry = c.nowFn().Add(duration)
	c.log.Info("peer blocked by operator", zap.String("peer", peerID), zap.Time("until", ps.blockExpiry))
}

func (c *Controller) UnblockPeer(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ps, ok := c.peers[peerID]; ok {
		ps.blocked = false
		ps.blockExpiry = time.Time{}
	}
}

// BlockAddress places a standing block on a source address. Standing blocks
// have no expiry and must be lifted explicitly.
func (c *Controller) BlockAddress(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockedAddrs[addr] = struct{}{}
	c.persistAddressBlock(addr)
	c.log.Info("address blocked by operator", zap.String("addr", addr))
}

func (c *Controller) UnblockAddress(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blockedAddrs, addr)
	if c.store != nil {
		if err := c.store.DeleteBlockedAddress(addr); err != nil {
			c.log.Warn("failed to remove persisted address block", zap.String("addr", addr), zap.Error(err))
		}
	}
}

// IsAddressBlocked reports whether a source address is under a standing block.
func (c *Controller) IsAddressBlocked(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, blocked := c.blockedAddrs[addr]
	return blocked
}

// Sweep drops peer state that is unblocked and idle beyond twice the
// connection window, and address state idle past the same threshold. Blocked
// peers are retained; their blocks expire lazily on the next evaluation.
func (c *Controller) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	threshold := 2 * c.limits.ConnWindow
	removedPeers, removedIPs := 0, 0

	for id, ps := range c.peers {
		if !ps.blocked && now.Sub(ps.windowStart) > threshold {
			delete(c.peers, id)
			removedPeers++
		}
	}
	for addr, st := range c.ips {
		if now.Sub(st.windowStart) > threshold {
			delete(c.ips, addr)
			removedIPs++
		}
	}

	if removedPeers > 0 || removedIPs > 0 {
		c.log.Debug("admission sweep",
			zap.Int("peers_removed", removedPeers),
			zap.Int("ips_removed", removedIPs))
	}
}
