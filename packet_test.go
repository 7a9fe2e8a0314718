package onion

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/ellemouton/onion/pending"
	"github.com/ellemouton/onion/replay"
)

var testTime = time.Unix(1_700_000_000, 0)

type testNode struct {
	*Node

	user  *User
	store *pending.MemoryStore
}

func newTestNode(t *testing.T, name string, relayFee uint64) *testNode {
	t.Helper()

	user := Users[name]
	store := pending.NewMemoryStore()

	node, err := NewNode(&NodeConfig{
		PrivateKey:   user.PrivKey,
		ReplayLog:    replay.NewMemoryLog(),
		PendingStore: store,
		RelayFee:     relayFee,
		Clock:        clock.NewTestClock(testTime),
	})
	require.NoError(t, err)

	return &testNode{
		Node:  node,
		user:  user,
		store: store,
	}
}

// receive decodes a copy of raw as the packet arriving at a node.
func receive(t *testing.T, raw []byte) *Packet {
	t.Helper()

	p, err := PacketFromBytes(append([]byte(nil), raw...))
	require.NoError(t, err)

	return p
}

func TestPacketThreeHops(t *testing.T) {
	alice := newTestNode(t, Alice, 0)
	bob := newTestNode(t, Bob, 0)
	charlie := newTestNode(t, Charlie, 0)
	dave := newTestNode(t, Dave, 0)

	msg := []byte("hi dave, it's alice")
	p, err := CreatePacket(
		alice.Node, msg,
		[]*btcec.PublicKey{bob.PubKey(), charlie.PubKey()},
		dave.PubKey(),
	)
	require.NoError(t, err)
	require.Len(t, p.Bytes(), PacketSize)
	require.Equal(t, 1, alice.store.Len())
	require.EqualValues(t, 2*DefaultRelayFee, p.Transaction().Amount())

	// Bob forwards to Charlie and acknowledges to Alice.
	atBob := receive(t, p.Bytes())
	res, err := atBob.ForwardTransform(bob.Node, alice.PubKey())
	require.NoError(t, err)
	require.Equal(t, ActionForward, res.Action)
	require.True(t, res.NextHop.IsEqual(charlie.PubKey()))
	require.Equal(t, 1, bob.store.Len())

	acked, err := HandleAcknowledgement(alice.Node, res.Ack, bob.PubKey())
	require.NoError(t, err)
	require.False(t, acked.Redeemable())
	require.Equal(t, 0, alice.store.Len())

	// Charlie forwards to Dave.
	atCharlie := receive(t, atBob.Bytes())
	res, err = atCharlie.ForwardTransform(charlie.Node, bob.PubKey())
	require.NoError(t, err)
	require.Equal(t, ActionForward, res.Action)
	require.True(t, res.NextHop.IsEqual(dave.PubKey()))

	acked, err = HandleAcknowledgement(bob.Node, res.Ack, charlie.PubKey())
	require.NoError(t, err)
	require.True(t, acked.Redeemable())
	require.EqualValues(t, 2*DefaultRelayFee, acked.Transaction.Amount())
	require.True(t, acked.Transaction.Verify(alice.PubKey()))

	// Dave reads the message.
	atDave := receive(t, atCharlie.Bytes())
	res, err = atDave.ForwardTransform(dave.Node, charlie.PubKey())
	require.NoError(t, err)
	require.Equal(t, ActionDeliver, res.Action)
	require.Equal(t, msg, res.Payload)
	require.Zero(t, res.Transaction.Amount())

	acked, err = HandleAcknowledgement(charlie.Node, res.Ack, dave.PubKey())
	require.NoError(t, err)
	require.True(t, acked.Redeemable())
	require.EqualValues(t, DefaultRelayFee, acked.Transaction.Amount())

	// Every pending record has been settled, and settling twice fails.
	require.Equal(t, 0, bob.store.Len())
	require.Equal(t, 0, charlie.store.Len())
	_, err = HandleAcknowledgement(charlie.Node, res.Ack, dave.PubKey())
	require.ErrorIs(t, err, ErrUnknownAcknowledgement)
}

func TestPacketDirect(t *testing.T) {
	alice := newTestNode(t, Alice, 0)
	dave := newTestNode(t, Dave, 0)

	p, err := CreatePacket(alice.Node, []byte("direct"), nil, dave.PubKey())
	require.NoError(t, err)
	require.Zero(t, p.Transaction().Amount())

	res, err := receive(t, p.Bytes()).ForwardTransform(
		dave.Node, alice.PubKey(),
	)
	require.NoError(t, err)
	require.Equal(t, ActionDeliver, res.Action)
	require.Equal(t, []byte("direct"), res.Payload)

	acked, err := HandleAcknowledgement(alice.Node, res.Ack, dave.PubKey())
	require.NoError(t, err)
	require.False(t, acked.Redeemable())
}

// TestPacketConstantSize asserts that a packet has the same size whatever the
// length of its path.
func TestPacketConstantSize(t *testing.T) {
	alice := newTestNode(t, Alice, 0)

	short, err := CreatePacket(
		alice.Node, []byte("x"), nil, Users[Dave].PubKey,
	)
	require.NoError(t, err)

	long, err := CreatePacket(
		alice.Node, []byte("x"),
		[]*btcec.PublicKey{Users[Bob].PubKey, Users[Charlie].PubKey},
		Users[Dave].PubKey,
	)
	require.NoError(t, err)

	require.Equal(t, len(short.Bytes()), len(long.Bytes()))
	require.Equal(t, PacketSize, len(long.Bytes()))
}

// TestPacketLongPathKeepsDestination asserts that a path with too many
// intermediate nodes loses intermediate nodes, never the destination.
func TestPacketLongPathKeepsDestination(t *testing.T) {
	alice := newTestNode(t, Alice, 0)
	bob := newTestNode(t, Bob, 0)
	charlie := newTestNode(t, Charlie, 0)
	dave := newTestNode(t, Dave, 0)

	p, err := CreatePacket(
		alice.Node, []byte("for dave only"),
		[]*btcec.PublicKey{
			bob.PubKey(), charlie.PubKey(), alice.PubKey(),
		},
		dave.PubKey(),
	)
	require.NoError(t, err)
	require.EqualValues(t, 2*DefaultRelayFee, p.Transaction().Amount())

	atBob := receive(t, p.Bytes())
	res, err := atBob.ForwardTransform(bob.Node, alice.PubKey())
	require.NoError(t, err)
	require.True(t, res.NextHop.IsEqual(charlie.PubKey()))

	// Charlie hands the packet to the destination, not to the dropped
	// third intermediate node.
	atCharlie := receive(t, atBob.Bytes())
	res, err = atCharlie.ForwardTransform(charlie.Node, bob.PubKey())
	require.NoError(t, err)
	require.Equal(t, ActionForward, res.Action)
	require.True(t, res.NextHop.IsEqual(dave.PubKey()))

	res, err = receive(t, atCharlie.Bytes()).ForwardTransform(
		dave.Node, charlie.PubKey(),
	)
	require.NoError(t, err)
	require.Equal(t, ActionDeliver, res.Action)
	require.Equal(t, []byte("for dave only"), res.Payload)
}

func TestPacketReplay(t *testing.T) {
	alice := newTestNode(t, Alice, 0)
	bob := newTestNode(t, Bob, 0)

	p, err := CreatePacket(
		alice.Node, []byte("once"), nil, bob.PubKey(),
	)
	require.NoError(t, err)

	_, err = receive(t, p.Bytes()).ForwardTransform(
		bob.Node, alice.PubKey(),
	)
	require.NoError(t, err)

	_, err = receive(t, p.Bytes()).ForwardTransform(
		bob.Node, alice.PubKey(),
	)
	require.ErrorIs(t, err, ErrReplay)
}

func TestPacketRejections(t *testing.T) {
	tests := []struct {
		name string

		// tamper modifies the packet before Bob processes it.
		tamper func(p *Packet)

		// previous is the key Bob believes sent the packet.
		previous string

		// bobFee is Bob's relay fee.
		bobFee uint64

		err error
	}{
		{
			name: "tampered beta",
			tamper: func(p *Packet) {
				p.Header().Beta()[10] ^= 0x01
			},
			previous: Alice,
			err:      ErrForgedHeader,
		},
		{
			name: "tampered gamma",
			tamper: func(p *Packet) {
				p.Header().Gamma()[0] ^= 0x01
			},
			previous: Alice,
			err:      ErrForgedHeader,
		},
		{
			name:     "wrong previous hop",
			tamper:   func(p *Packet) {},
			previous: Charlie,
			err:      ErrInvalidChallenge,
		},
		{
			name: "tampered amount",
			tamper: func(p *Packet) {
				p.Transaction().Bytes()[39] ^= 0x01
			},
			previous: Alice,
			err:      ErrInvalidTransaction,
		},
		{
			name:     "fee above amount",
			tamper:   func(p *Packet) {},
			previous: Alice,
			bobFee:   3 * DefaultRelayFee,
			err:      ErrInvalidTransaction,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			alice := newTestNode(t, Alice, 0)
			bob := newTestNode(t, Bob, test.bobFee)

			p, err := CreatePacket(
				alice.Node, []byte("hi"),
				[]*btcec.PublicKey{bob.PubKey()},
				Users[Dave].PubKey,
			)
			require.NoError(t, err)

			test.tamper(p)

			_, err = receive(t, p.Bytes()).ForwardTransform(
				bob.Node, Users[test.previous].PubKey,
			)
			require.ErrorIs(t, err, test.err)

			// Nothing was stored for a dropped packet.
			require.Equal(t, 0, bob.store.Len())
		})
	}
}

// TestPacketTamperedMessage asserts that a single flipped bit in the message
// prevents the destination from recovering any plaintext.
func TestPacketTamperedMessage(t *testing.T) {
	alice := newTestNode(t, Alice, 0)
	bob := newTestNode(t, Bob, 0)
	dave := newTestNode(t, Dave, 0)

	p, err := CreatePacket(
		alice.Node, []byte("secret"), []*btcec.PublicKey{bob.PubKey()},
		dave.PubKey(),
	)
	require.NoError(t, err)
	p.Message().Bytes()[100] ^= 0x80

	atBob := receive(t, p.Bytes())
	_, err = atBob.ForwardTransform(bob.Node, alice.PubKey())
	require.NoError(t, err)

	_, err = receive(t, atBob.Bytes()).ForwardTransform(
		dave.Node, bob.PubKey(),
	)
	require.ErrorIs(t, err, ErrMissingPadding)
}

func TestHandleAcknowledgementWrongSender(t *testing.T) {
	alice := newTestNode(t, Alice, 0)
	bob := newTestNode(t, Bob, 0)
	charlie := newTestNode(t, Charlie, 0)

	p, err := CreatePacket(
		alice.Node, []byte("hi"), []*btcec.PublicKey{bob.PubKey()},
		charlie.PubKey(),
	)
	require.NoError(t, err)

	res, err := receive(t, p.Bytes()).ForwardTransform(
		bob.Node, alice.PubKey(),
	)
	require.NoError(t, err)

	// Bob's acknowledgement claimed by Charlie is rejected and the record
	// stays pending.
	_, err = HandleAcknowledgement(alice.Node, res.Ack, charlie.PubKey())
	require.ErrorIs(t, err, ErrInvalidAcknowledgement)
	require.Equal(t, 1, alice.store.Len())

	_, err = HandleAcknowledgement(alice.Node, res.Ack, bob.PubKey())
	require.NoError(t, err)
}

func TestPacketFromBytes(t *testing.T) {
	_, err := PacketFromBytes(make([]byte, PacketSize-1))
	require.ErrorIs(t, err, ErrInvalidLength)

	_, err = NewNode(&NodeConfig{})
	require.Error(t, err)
}
