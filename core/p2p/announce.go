package p2p

import (
	"context"
	"encoding/json"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	peer "github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

const AnnounceTopic = "bytecave.backends"

// Announcement is the out-of-band backend join/leave event gossiped to the
// rest of the network.
type Announcement struct {
	Event     string `json:"event"` // "join" or "leave"
	PeerID    string `json:"peerId"`
	Name      string `json:"name,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type Announcer struct {
	ctx   context.Context
	log   *zap.Logger
	self  peer.ID
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

func NewAnnouncer(ctx context.Context, log *zap.Logger, ps *pubsub.PubSub, self peer.ID) (*Announcer, error) {
	topic, err := ps.Join(AnnounceTopic)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}
	a := &Announcer{
		ctx:   ctx,
		log:   log,
		self:  self,
		topic: topic,
		sub:   sub,
	}
	go a.readLoop()
	return a, nil
}

func (a *Announcer) Publish(event, peerID, name string) {
	ann := Announcement{
		Event:     event,
		PeerID:    peerID,
		Name:      name,
		Timestamp: time.Now().UnixMilli(),
	}
	b, err := json.Marshal(ann)
	if err != nil {
		return
	}
	if err := a.topic.Publish(a.ctx, b); err != nil {
		a.log.Debug("failed to publish announcement", zap.Error(err))
	}
}

func (a *Announcer) readLoop() {
	for {
		msg, err := a.sub.Next(a.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == a.self {
			continue
		}
		var ann Announcement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			a.log.Debug("malformed announcement", zap.Error(err))
			continue
		}
		a.log.Info("backend announcement",
			zap.String("event", ann.Event),
			zap.String("peer", ann.PeerID),
			zap.String("from", msg.ReceivedFrom.String()))
	}
}

func (a *Announcer) Close() {
	a.sub.Cancel()
	_ = a.topic.Close()
}
