package p2p

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	host "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	peer "github.com/libp2p/go-libp2p/core/peer"
	protocol "github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"github.com/hashd-social/bytecave-relay/core/admission"
	"github.com/hashd-social/bytecave-relay/core/relay"
)

const (
	ProtocolID          = protocol.ID("/bytecave/relay/1.0.0")
	DirectoryProtocolID = protocol.ID("/bytecave/directory/1.0.0")
)

type HandlerFunc func(ctx context.Context, sess *Session, msg *Message)

// Session is one peer's duplex channel on the relay protocol. It is the
// concrete relay.Sender: writes are serialized by a lock, reads happen only
// in the owning stream loop.
type Session struct {
	mu        sync.Mutex
	stream    network.Stream
	peerID    peer.ID
	backendID string
}

func (s *Session) Peer() peer.ID { return s.peerID }

// SetBackendID marks the session as a backend control channel.
func (s *Session) SetBackendID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backendID = id
}

func (s *Session) BackendID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendID
}

// Send writes one message on the session. Fire-and-forget: an error means
// the channel is no longer deliverable, not that the remote rejected it.
func (s *Session) Send(msgType string, payload any) error {
	b, err := EncodeMessage(MessageType(msgType), payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.stream.Write(append(b, '\n'))
	return err
}

// Protocol reads newline-delimited JSON envelopes off relay streams and
// dispatches them to per-type handlers. Every line read is charged against
// the sender's bandwidth ceiling; an over-ceiling peer has its stream reset.
type Protocol struct {
	ctx      context.Context
	log      *zap.Logger
	host     host.Host
	ctrl     *admission.Controller
	handlers map[MessageType]HandlerFunc
	onClose  func(sess *Session)
}

func NewProtocol(ctx context.Context, log *zap.Logger, h host.Host, ctrl *admission.Controller) *Protocol {
	p := &Protocol{
		ctx:      ctx,
		log:      log,
		host:     h,
		ctrl:     ctrl,
		handlers: make(map[MessageType]HandlerFunc),
	}
	h.SetStreamHandler(ProtocolID, p.handleStream)
	return p
}

func (p *Protocol) RegisterHandler(msgType MessageType, handler HandlerFunc) {
	p.handlers[msgType] = handler
}

// OnSessionClose is invoked after a session's stream loop exits, before the
// stream is released. Used to deregister backend control channels.
func (p *Protocol) OnSessionClose(fn func(sess *Session)) {
	p.onClose = fn
}

func (p *Protocol) handleStream(s network.Stream) {
	from := s.Conn().RemotePeer()
	sess := &Session{stream: s, peerID: from}
	defer func() {
		if p.onClose != nil {
			p.onClose(sess)
		}
		s.Close()
	}()

	reader := bufio.NewReader(s)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				p.log.Warn("stream read error", zap.Error(err))
			}
			return
		}

		if p.ctrl != nil && !p.ctrl.RecordBandwidth(from.String(), len(line)) {
			p.log.Warn("resetting stream, peer over bandwidth ceiling",
				zap.String("peer", from.String()))
			s.Reset()
			return
		}

		msg, err := DecodeMessage(line)
		if err != nil {
			// Malformed input is answered, not fatal; the channel stays open.
			p.log.Warn("failed to decode message", zap.String("peer", from.String()), zap.Error(err))
			_ = sess.Send(relay.MsgTypeError, relay.ErrorMsg{Error: "malformed message"})
			continue
		}

		handler, ok := p.handlers[msg.Type]
		if !ok {
			p.log.Debug("no handler for message", zap.String("type", string(msg.Type)))
			continue
		}
		// Dispatch in-line: handlers only mutate in-memory tables and issue
		// fire-and-forget sends, and per-session ordering matters (register
		// must land before the requests that follow it).
		handler(p.ctx, sess, msg)
	}
}
