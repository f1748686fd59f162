package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Routing failures surfaced to the submitting channel as error messages.
var (
	ErrInvalidRequest      = errors.New("missing request id")
	ErrDuplicateRequest    = errors.New("duplicate request id")
	ErrNoBackend           = errors.New("no backend available")
	ErrBackendNotConnected = errors.New("backend not connected")
	ErrForwardFailed       = errors.New("forward failed")
)

// Sender is the opaque outbound half of a duplex channel. Implemented by the
// p2p session; tests substitute fakes. Sends are fire-and-forget from the
// relay's perspective and must not block on remote consumption.
type Sender interface {
	Send(msgType string, payload any) error
}

// BackendConn is one backend storage node's live control channel.
type BackendConn struct {
	ID          string
	Name        string
	Sender      Sender
	ConnectedAt time.Time
}

type pendingRequest struct {
	origin  Sender
	created time.Time
}

// Relay matches inbound client requests to an available backend by
// correlation id, forwards payloads, and routes asynchronous responses back
// to the originating channel. Orphaned requests are resolved only by the
// timeout sweep. Delivery is at-most-once.
type Relay struct {
	mu       sync.Mutex
	log      *zap.Logger
	backends map[string]*BackendConn
	order    []string // registration order; selection policy is first-available
	pending  map[string]*pendingRequest

	timeout       time.Duration
	sweepInterval time.Duration
	nowFn         func() time.Time
	cancel        context.CancelFunc
}

func New(log *zap.Logger, timeout, sweepInterval time.Duration) *Relay {
	return &Relay{
		log:           log,
		backends:      make(map[string]*BackendConn),
		pending:       make(map[string]*pendingRequest),
		timeout:       timeout,
		sweepInterval: sweepInterval,
		nowFn:         time.Now,
	}
}

func (r *Relay) Name() string { return "relay" }

func (r *Relay) Start(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.sweepLoop(sctx)
	return nil
}

func (r *Relay) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

func (r *Relay) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// RegisterBackend inserts or replaces the control channel for a backend. A
// replacement does not touch requests already in flight to the previous
// channel; those resolve by timeout.
func (r *Relay) RegisterBackend(backendID, name string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[backendID]; !exists {
		r.order = append(r.order, backendID)
	}
	r.backends[backendID] = &BackendConn{
		ID:          backendID,
		Name:        name,
		Sender:      s,
		ConnectedAt: r.nowFn(),
	}
	r.log.Info("backend registered",
		zap.String("backend", backendID),
		zap.String("name", name))
}

// DeregisterBackend removes a backend entry. When sender is non-nil the
// entry is removed only if it still belongs to that channel, so a stale
// session closing cannot evict a newer registration. Pending requests routed
// to the backend are left to the timeout sweep.
func (r *Relay) DeregisterBackend(backendID string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bc, ok := r.backends[backendID]
	if !ok {
		return
	}
	if sender != nil && bc.Sender != sender {
		return
	}
	delete(r.backends, backendID)
	for i, id := range r.order {
		if id == backendID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.log.Info("backend deregistered", zap.String("backend", backendID))
}

// SubmitRequest records a pending entry and forwards the request to a
// backend. The pending entry is created before the send, so a response can
// never race past its own bookkeeping. The returned error, if any, is the
// caller's to report on the origin channel.
func (r *Relay) SubmitRequest(req StorageRequest, origin Sender) error {
	if req.RequestID == "" {
		return ErrInvalidRequest
	}

	r.mu.Lock()
	if _, dup := r.pending[req.RequestID]; dup {
		r.mu.Unlock()
		return ErrDuplicateRequest
	}

	var target *BackendConn
	if req.TargetPeerID == "" {
		if len(r.order) == 0 {
			r.mu.Unlock()
			return ErrNoBackend
		}
		target = r.backends[r.order[0]]
	} else {
		bc, ok := r.backends[req.TargetPeerID]
		if !ok {
			r.mu.Unlock()
			return ErrBackendNotConnected
		}
		target = bc
	}

	r.pending[req.RequestID] = &pendingRequest{origin: origin, created: r.nowFn()}
	r.mu.Unlock()

	if err := target.Sender.Send(MsgTypeStorageRequest, req); err != nil {
		r.mu.Lock()
		delete(r.pending, req.RequestID)
		r.mu.Unlock()
		r.log.Warn("forward to backend failed",
			zap.String("request", req.RequestID),
			zap.String("backend", target.ID),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrForwardFailed, err)
	}

	r.log.Debug("request forwarded",
		zap.String("request", req.RequestID),
		zap.String("backend", target.ID))
	return nil
}

// DeliverResponse routes a backend result to the channel that submitted the
// matching request and discards the pending entry. Responses with no match
// are dropped; they are duplicates or arrived after the timeout sweep.
func (r *Relay) DeliverResponse(resp StorageResponse) {
	r.mu.Lock()
	p, ok := r.pending[resp.RequestID]
	if !ok {
		r.mu.Unlock()
		r.log.Debug("discarding response with no pending request",
			zap.String("request", resp.RequestID))
		return
	}
	delete(r.pending, resp.RequestID)
	r.mu.Unlock()

	if err := p.origin.Send(MsgTypeStorageResponse, resp); err != nil {
		r.log.Warn("failed to deliver response to origin",
			zap.String("request", resp.RequestID),
			zap.Error(err))
	}
}

// Sweep expires pending requests older than the timeout threshold, sending
// each origin exactly one timeout error. This is the sole resolution path
// for requests whose backend disappeared mid-flight.
func (r *Relay) Sweep() {
	r.mu.Lock()
	now := r.nowFn()
	type expired struct {
		id     string
		origin Sender
	}
	var timedOut []expired
	for id, p := range r.pending {
		if now.Sub(p.created) > r.timeout {
			timedOut = append(timedOut, expired{id: id, origin: p.origin})
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, e := range timedOut {
		r.log.Warn("request timed out", zap.String("request", e.id))
		if err := e.origin.Send(MsgTypeError, ErrorMsg{RequestID: e.id, Error: "request timed out"}); err != nil {
			r.log.Debug("failed to notify origin of timeout",
				zap.String("request", e.id), zap.Error(err))
		}
	}
}

// Backends returns a snapshot of the registered backends in registration
// order, for the directory protocol.
func (r *Relay) Backends() []BackendConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BackendConn, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.backends[id])
	}
	return out
}

// PendingCount reports the number of in-flight requests.
func (r *Relay) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
