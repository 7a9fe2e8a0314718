package onion

import (
	"context"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	// ProtocolPacket is the protocol packets are sent over.
	ProtocolPacket = "/onion/packet/1.0.0"

	// ProtocolAck is the protocol acknowledgements are sent over.
	ProtocolAck = "/onion/ack/1.0.0"
)

// Transport opens streams to other nodes. Nodes are identified by their public
// key. Inbound streams are handed to Dispatcher.ServeStream by the transport.
type Transport interface {
	// FindPeer makes sure the transport knows how to reach peer.
	FindPeer(ctx context.Context, peer *btcec.PublicKey) error

	// Dial opens a stream to peer for the given protocol.
	Dial(ctx context.Context, peer *btcec.PublicKey,
		protocol string) (io.ReadWriteCloser, error)
}
