package subinode

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/SubiPlatform/SubiCore/util/p2p"
)

// p2pBroadcaster adapts a *p2p.P2PNode to Broadcaster: opcodes become
// topic names, and peer ids cross the interface boundary as
// the transport's own string encoding rather than a libp2p type, so
// this package stays free of a libp2p import outside this one file.
type p2pBroadcaster struct {
	node *p2p.P2PNode
}

// NewP2PBroadcaster wraps node for use as this package's Broadcaster.
func NewP2PBroadcaster(node *p2p.P2PNode) Broadcaster {
	return &p2pBroadcaster{node: node}
}

func (b *p2pBroadcaster) Relay(ctx context.Context, opcode string, payload []byte) error {
	return b.node.Publish(ctx, opcode, payload)
}

func (b *p2pBroadcaster) SendTo(ctx context.Context, peerID string, opcode string, payload []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return err
	}

	framed := append([]byte(opcode+"\x00"), payload...)

	return b.node.SendToPeer(ctx, pid, framed)
}

func (b *p2pBroadcaster) LocalPeerID() string {
	return b.node.HostID().String()
}
