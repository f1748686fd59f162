package admission

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Gater plugs the controller into the libp2p host as a
// connmgr.ConnectionGater, so inbound connections are evaluated before any
// stream handler sees them. Outbound dials are never gated; this node only
// polices what it accepts.
type Gater struct {
	ctrl *Controller
}

func NewGater(ctrl *Controller) *Gater {
	return &Gater{ctrl: ctrl}
}

func (g *Gater) InterceptPeerDial(peer.ID) (allow bool) { return true }

func (g *Gater) InterceptAddrDial(peer.ID, ma.Multiaddr) (allow bool) { return true }

// InterceptAccept runs before the security handshake, when only the remote
// address is known. Standing address blocks are enforced here so blocked
// sources never reach the handshake.
func (g *Gater) InterceptAccept(cm network.ConnMultiaddrs) (allow bool) {
	addr := sourceAddr(cm)
	if addr == "" {
		return true
	}
	return !g.ctrl.IsAddressBlocked(addr)
}

// InterceptSecured runs the full admission evaluation once the peer identity
// is authenticated.
func (g *Gater) InterceptSecured(dir network.Direction, p peer.ID, cm network.ConnMultiaddrs) (allow bool) {
	if dir == network.DirOutbound {
		return true
	}
	return g.ctrl.EvaluateConnection(p.String(), sourceAddr(cm)).Allowed
}

func (g *Gater) InterceptUpgraded(network.Conn) (allow bool, reason control.DisconnectReason) {
	return true, 0
}

// sourceAddr extracts the remote IP, or "" when the transport has none.
func sourceAddr(cm network.ConnMultiaddrs) string {
	ip, err := manet.ToIP(cm.RemoteMultiaddr())
	if err != nil {
		return ""
	}
	return ip.String()
}

// Notifee feeds disconnect events back into the controller.
type Notifee struct {
	ctrl *Controller
}

func NewNotifee(ctrl *Controller) *Notifee {
	return &Notifee{ctrl: ctrl}
}

func (n *Notifee) Connected(network.Network, network.Conn) {}

func (n *Notifee) Disconnected(_ network.Network, conn network.Conn) {
	n.ctrl.RecordDisconnection(conn.RemotePeer().String())
}

func (n *Notifee) Listen(network.Network, ma.Multiaddr)      {}
func (n *Notifee) ListenClose(network.Network, ma.Multiaddr) {}
