package onion

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/ellemouton/onion/pending"
	"github.com/ellemouton/onion/replay"
)

// NodeConfig holds the state a node processes packets with.
type NodeConfig struct {
	// PrivateKey is the identity key of the node.
	PrivateKey *btcec.PrivateKey

	// ReplayLog holds the replay tags of every header the node processed.
	ReplayLog replay.Log

	// PendingStore holds the transactions waiting for an
	// acknowledgement.
	PendingStore pending.Store

	// RelayFee is the amount the node keeps from every transaction it
	// forwards. DefaultRelayFee is used if zero.
	RelayFee uint64

	// Clock stamps pending records. The default clock is used if nil.
	Clock clock.Clock
}

// Node is the per-node state shared by every packet the node sends, forwards
// or receives.
type Node struct {
	cfg *NodeConfig

	pubKey *btcec.PublicKey
}

// NewNode creates a new node.
func NewNode(cfg *NodeConfig) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, errors.New("onion: node needs a private key")
	}
	if cfg.ReplayLog == nil {
		return nil, errors.New("onion: node needs a replay log")
	}
	if cfg.PendingStore == nil {
		return nil, errors.New("onion: node needs a pending store")
	}
	if cfg.RelayFee == 0 {
		cfg.RelayFee = DefaultRelayFee
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Node{
		cfg:    cfg,
		pubKey: cfg.PrivateKey.PubKey(),
	}, nil
}

// PubKey returns the identity of the node.
func (n *Node) PubKey() *btcec.PublicKey {
	return n.pubKey
}

// RelayFee returns the fee the node keeps from forwarded transactions.
func (n *Node) RelayFee() uint64 {
	return n.cfg.RelayFee
}
