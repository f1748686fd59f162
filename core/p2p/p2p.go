package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	host "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	peer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/hashd-social/bytecave-relay/core/admission"
	"github.com/hashd-social/bytecave-relay/core/relay"
)

// P2PService owns the libp2p host and wires the relay wire protocol, the
// directory lookup protocol, and backend announcements onto it. Admission
// decisions are enforced at the host through the connection gater, so only
// admitted connections ever reach a stream handler.
type P2PService struct {
	ctx            context.Context
	log            *zap.Logger
	host           host.Host
	kdht           *dht.IpfsDHT
	cancel         context.CancelFunc
	bootstrapPeers []peer.AddrInfo

	ctrl      *admission.Controller
	relay     *relay.Relay
	announcer *Announcer
}

func New(ctx context.Context, log *zap.Logger, listenPort int, bootstrap []string,
	ctrl *admission.Controller, rly *relay.Relay) (*P2PService, error) {

	listenAddr, _ := ma.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort))
	h, err := libp2p.New(
		libp2p.ListenAddrs(listenAddr),
		libp2p.ConnectionGater(admission.NewGater(ctrl)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	kctx, cancel := context.WithCancel(ctx)
	kdht, err := dht.New(kctx, h)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	// Parse bootstrap peers
	var peers []peer.AddrInfo
	for _, addr := range bootstrap {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			log.Warn("invalid bootstrap address", zap.String("addr", addr))
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(maddr)
		if err == nil {
			peers = append(peers, *pi)
		}
	}

	return &P2PService{
		ctx:            kctx,
		log:            log,
		host:           h,
		kdht:           kdht,
		cancel:         cancel,
		bootstrapPeers: peers,
		ctrl:           ctrl,
		relay:          rly,
	}, nil
}

func (p *P2PService) Name() string { return "p2p" }

func (p *P2PService) Host() host.Host { return p.host }

func (p *P2PService) Start(ctx context.Context) error {
	p.log.Info("Starting P2P subsystem", zap.String("id", p.host.ID().String()))
	if err := p.kdht.Bootstrap(p.ctx); err != nil {
		return err
	}

	for _, bp := range p.bootstrapPeers {
		if err := p.host.Connect(p.ctx, bp); err != nil {
			p.log.Warn("Failed to connect bootstrap peer", zap.String("peer", bp.ID.String()), zap.Error(err))
		} else {
			p.log.Info("Connected bootstrap peer", zap.String("peer", bp.ID.String()))
		}
	}

	p.host.Network().Notify(admission.NewNotifee(p.ctrl))

	ps, err := pubsub.NewGossipSub(p.ctx, p.host)
	if err != nil {
		return fmt.Errorf("failed to start gossipsub: %w", err)
	}
	p.announcer, err = NewAnnouncer(p.ctx, p.log, ps, p.host.ID())
	if err != nil {
		return fmt.Errorf("failed to join announcement topic: %w", err)
	}

	proto := NewProtocol(p.ctx, p.log, p.host, p.ctrl)
	proto.OnSessionClose(p.handleSessionClose)
	proto.RegisterHandler(MessageType(relay.MsgTypeRegister), p.handleRegister)
	proto.RegisterHandler(MessageType(relay.MsgTypeStorageRequest), p.handleStorageRequest)
	proto.RegisterHandler(MessageType(relay.MsgTypeStorageResponse), p.handleStorageResponse)

	p.host.SetStreamHandler(DirectoryProtocolID, p.handleDirectoryStream)

	return nil
}

func (p *P2PService) Stop() error {
	p.log.Info("Stopping P2P subsystem")
	if p.announcer != nil {
		p.announcer.Close()
	}
	p.cancel()
	if err := p.host.Close(); err != nil {
		return err
	}
	return nil
}

// handleRegister turns a session into a backend control channel.
func (p *P2PService) handleRegister(_ context.Context, sess *Session, msg *Message) {
	var reg relay.RegisterMsg
	if err := json.Unmarshal(msg.Data, &reg); err != nil {
		_ = sess.Send(relay.MsgTypeError, relay.ErrorMsg{Error: "malformed register message"})
		return
	}
	if reg.PeerID == "" {
		reg.PeerID = sess.Peer().String()
	}

	p.relay.RegisterBackend(reg.PeerID, reg.NodeID, sess)
	sess.SetBackendID(reg.PeerID)
	_ = sess.Send(relay.MsgTypeRegistered, relay.RegisteredMsg{
		PeerID:    reg.PeerID,
		Timestamp: time.Now().UnixMilli(),
	})
	p.announcer.Publish("join", reg.PeerID, reg.NodeID)
}

func (p *P2PService) handleStorageRequest(_ context.Context, sess *Session, msg *Message) {
	var req relay.StorageRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		_ = sess.Send(relay.MsgTypeError, relay.ErrorMsg{Error: "malformed storage request"})
		return
	}
	if err := p.relay.SubmitRequest(req, sess); err != nil {
		_ = sess.Send(relay.MsgTypeError, relay.ErrorMsg{RequestID: req.RequestID, Error: err.Error()})
	}
}

func (p *P2PService) handleStorageResponse(_ context.Context, sess *Session, msg *Message) {
	var resp relay.StorageResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		_ = sess.Send(relay.MsgTypeError, relay.ErrorMsg{Error: "malformed storage response"})
		return
	}
	p.relay.DeliverResponse(resp)
}

// handleSessionClose deregisters a backend when its control channel goes
// away. In-flight requests to it are left to the relay's timeout sweep.
func (p *P2PService) handleSessionClose(sess *Session) {
	id := sess.BackendID()
	if id == "" {
		return
	}
	p.relay.DeregisterBackend(id, sess)
	p.announcer.Publish("leave", id, "")
}

// handleDirectoryStream answers a directory lookup: the request carries no
// payload, the response is a length-prefixed JSON peer listing.
func (p *P2PService) handleDirectoryStream(s network.Stream) {
	defer s.Close()

	resp := DirectoryResponse{Timestamp: time.Now().UnixMilli()}
	for _, bc := range p.relay.Backends() {
		dp := DirectoryPeer{
			PeerID:   bc.ID,
			LastSeen: bc.ConnectedAt.UnixMilli(),
		}
		if pid, err := peer.Decode(bc.ID); err == nil {
			for _, a := range p.host.Peerstore().Addrs(pid) {
				dp.Multiaddrs = append(dp.Multiaddrs, a.String())
			}
		}
		resp.Peers = append(resp.Peers, dp)
	}

	b, err := json.Marshal(resp)
	if err != nil {
		p.log.Warn("failed to marshal directory response", zap.Error(err))
		return
	}
	if err := writeFrame(s, b); err != nil {
		p.log.Debug("failed to write directory response", zap.Error(err))
	}
}

// LookupDirectory queries another relay node for its known backends.
func (p *P2PService) LookupDirectory(ctx context.Context, target peer.ID) (*DirectoryResponse, error) {
	s, err := p.host.NewStream(ctx, target, DirectoryProtocolID)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory stream: %w", err)
	}
	defer s.Close()

	if err := s.CloseWrite(); err != nil {
		return nil, err
	}
	payload, err := readFrame(s)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory response: %w", err)
	}
	var resp DirectoryResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("malformed directory response: %w", err)
	}
	return &resp, nil
}
