package onion

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/ellemouton/onion/config"
)

// memNetwork connects dispatchers through in-memory pipes.
type memNetwork struct {
	mu    sync.Mutex
	nodes map[string]*Dispatcher
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes: make(map[string]*Dispatcher),
	}
}

func (n *memNetwork) add(pub *btcec.PublicKey, d *Dispatcher) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nodes[string(pub.SerializeCompressed())] = d
}

func (n *memNetwork) lookup(pub *btcec.PublicKey) (*Dispatcher, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	d, ok := n.nodes[string(pub.SerializeCompressed())]
	if !ok {
		return nil, fmt.Errorf("unknown peer %x",
			pub.SerializeCompressed())
	}

	return d, nil
}

// memTransport is the Transport of a single node of a memNetwork.
type memTransport struct {
	net  *memNetwork
	self *btcec.PublicKey
}

func (m *memTransport) FindPeer(_ context.Context,
	peer *btcec.PublicKey) error {

	_, err := m.net.lookup(peer)
	return err
}

func (m *memTransport) Dial(_ context.Context, peer *btcec.PublicKey,
	protocol string) (io.ReadWriteCloser, error) {

	remote, err := m.net.lookup(peer)
	if err != nil {
		return nil, err
	}

	local, conn := net.Pipe()
	go func() {
		defer conn.Close()
		_ = remote.ServeStream(m.self, protocol, conn)
	}()

	return local, nil
}

func TestDispatcherThreeHops(t *testing.T) {
	network := newMemNetwork()

	delivered := make(chan *ForwardResult, 1)
	settled := make(chan *AcknowledgedTransaction, 3)

	nodes := make(map[string]*testNode)
	dispatchers := make(map[string]*Dispatcher)
	for _, name := range []string{Alice, Bob, Charlie, Dave} {
		node := newTestNode(t, name, 0)
		nodes[name] = node

		cfg := NewDispatcherConfig(
			node.Node,
			&memTransport{net: network, self: node.PubKey()},
			&config.Dispatcher{MaxConcurrentPackets: 2},
		)
		cfg.Deliver = func(res *ForwardResult) {
			delivered <- res
		}
		cfg.Settle = func(acked *AcknowledgedTransaction) {
			settled <- acked
		}

		d := NewDispatcher(cfg)
		require.NoError(t, d.Start())
		t.Cleanup(func() {
			require.NoError(t, d.Stop())
		})

		network.add(node.PubKey(), d)
		dispatchers[name] = d
	}

	p, err := CreatePacket(
		nodes[Alice].Node, []byte("over the wire"),
		[]*btcec.PublicKey{nodes[Bob].PubKey(), nodes[Charlie].PubKey()},
		nodes[Dave].PubKey(),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, dispatchers[Alice].SendPacket(
		ctx, p, nodes[Bob].PubKey(),
	))

	select {
	case res := <-delivered:
		require.Equal(t, []byte("over the wire"), res.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("packet not delivered")
	}

	var redeemable int
	for i := 0; i < 3; i++ {
		select {
		case acked := <-settled:
			if acked.Redeemable() {
				redeemable++
			}
		case <-time.After(5 * time.Second):
			t.Fatal("acknowledgement not settled")
		}
	}
	require.Equal(t, 2, redeemable)

	for _, name := range []string{Alice, Bob, Charlie} {
		require.Eventually(t, func() bool {
			return nodes[name].store.Len() == 0
		}, time.Second, 10*time.Millisecond, name)
	}
}

func TestDispatcherRejectsGarbage(t *testing.T) {
	network := newMemNetwork()
	node := newTestNode(t, Bob, 0)

	d := NewDispatcher(&DispatcherConfig{
		Node:      node.Node,
		Transport: &memTransport{net: network, self: node.PubKey()},
	})
	require.NoError(t, d.Start())
	defer d.Stop()

	sender := Users[Alice].PubKey

	// Short frames and unknown protocols are refused outright.
	err := d.ServeStream(sender, ProtocolPacket, io.LimitReader(
		zeroReader{}, int64(PacketSize-1),
	))
	require.Error(t, err)

	err = d.ServeStream(sender, "/onion/unknown", zeroReader{})
	require.ErrorIs(t, err, ErrUnknownProtocol)

	// A well sized but bogus packet is accepted for processing and then
	// dropped without any state change.
	err = d.ServeStream(sender, ProtocolPacket, zeroReader{})
	require.NoError(t, err)
	require.NoError(t, d.Stop())
	require.Equal(t, 0, node.store.Len())

	err = d.ServeStream(sender, ProtocolAck, zeroReader{})
	require.ErrorIs(t, err, ErrDispatcherStopped)
}

func TestDispatcherConfigDefaults(t *testing.T) {
	node := newTestNode(t, Bob, 0)

	cfg := NewDispatcherConfig(node.Node, nil, &config.Dispatcher{})
	NewDispatcher(cfg)
	require.Equal(t, config.DefaultMaxConcurrentPackets,
		cfg.MaxConcurrentPackets)
}

// TestDispatcherStopWhileServing asserts that streams racing Stop are either
// handled before Stop returns or refused.
func TestDispatcherStopWhileServing(t *testing.T) {
	node := newTestNode(t, Bob, 0)

	d := NewDispatcher(&DispatcherConfig{
		Node:                 node.Node,
		Transport:            &memTransport{net: newMemNetwork()},
		MaxConcurrentPackets: 1,
	})
	require.NoError(t, d.Start())

	sender := Users[Alice].PubKey

	const numStreams = 32
	errs := make(chan error, numStreams)
	for i := 0; i < numStreams; i++ {
		go func() {
			errs <- d.ServeStream(sender, ProtocolAck, zeroReader{})
		}()
	}

	require.NoError(t, d.Stop())

	for i := 0; i < numStreams; i++ {
		select {
		case err := <-errs:
			if err != nil {
				require.ErrorIs(t, err, ErrDispatcherStopped)
			}

		case <-time.After(5 * time.Second):
			t.Fatal("ServeStream did not return after Stop")
		}
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}

	return len(p), nil
}
