package onion

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/ellemouton/onion/internal/crypto"
	"github.com/ellemouton/onion/pending"
	"github.com/ellemouton/onion/transaction"
)

const (
	headerOffset      = 0
	transactionOffset = headerOffset + HeaderSize
	challengeOffset   = transactionOffset + transaction.Size
	messageOffset     = challengeOffset + ChallengeSize
)

var (
	// ErrInvalidTransaction is returned when the transaction of a packet
	// was not issued by the previous hop to this node, commits to the
	// wrong challenge or does not cover the relay fee.
	ErrInvalidTransaction = errors.New("onion: invalid transaction")

	// ErrInvalidNextHop is returned when the extracted address is not a
	// valid public key.
	ErrInvalidNextHop = errors.New("onion: invalid next hop")

	// ErrUnknownAcknowledgement is returned when no pending transaction
	// matches an acknowledgement.
	ErrUnknownAcknowledgement = errors.New("onion: unknown acknowledgement")
)

// Action tells the caller of ForwardTransform what to do with a packet.
type Action uint8

const (
	// ActionForward means the packet must be sent to NextHop.
	ActionForward Action = iota

	// ActionDeliver means this node is the destination of the packet.
	ActionDeliver
)

// String returns a human readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionDeliver:
		return "deliver"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Packet is the unit sent between nodes, a view over PacketSize bytes laid
// out as header || transaction || challenge || message. Its size does not
// depend on the length of the path.
type Packet struct {
	buf []byte

	header      *Header
	transaction *transaction.Transaction
	challenge   *Challenge
	message     *Message
}

// PacketFromBytes returns a view over an existing serialized packet.
func PacketFromBytes(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, ErrInvalidLength
	}

	header, err := HeaderFromBytes(buf[headerOffset:transactionOffset])
	if err != nil {
		return nil, err
	}
	tx, err := transaction.FromBytes(buf[transactionOffset:challengeOffset])
	if err != nil {
		return nil, err
	}
	challenge, err := ChallengeFromBytes(buf[challengeOffset:messageOffset])
	if err != nil {
		return nil, err
	}
	message, err := MessageFromBytes(buf[messageOffset:PacketSize])
	if err != nil {
		return nil, err
	}

	return &Packet{
		buf:         buf,
		header:      header,
		transaction: tx,
		challenge:   challenge,
		message:     message,
	}, nil
}

// Bytes returns the underlying buffer.
func (p *Packet) Bytes() []byte {
	return p.buf
}

// Header returns the routing header.
func (p *Packet) Header() *Header {
	return p.header
}

// Transaction returns the transaction issued by the previous hop.
func (p *Packet) Transaction() *transaction.Transaction {
	return p.transaction
}

// Challenge returns the challenge signed by the previous hop.
func (p *Packet) Challenge() *Challenge {
	return p.challenge
}

// Message returns the onion encrypted payload.
func (p *Packet) Message() *Message {
	return p.message
}

// CreatePacket builds a packet that carries msg through the intermediate
// nodes to the destination. The transaction to the first hop pays the relay
// fee of every intermediate node and is stored until the first hop
// acknowledges the packet. Only the first MaxHops-1 intermediate nodes are
// used.
func CreatePacket(node *Node, msg []byte, intermediate []*btcec.PublicKey,
	destination *btcec.PublicKey) (*Packet, error) {

	// The destination always stays the last hop.
	if len(intermediate) > MaxHops-1 {
		log.Warnf("Truncating %d intermediate hops to %d",
			len(intermediate), MaxHops-1)
		intermediate = intermediate[:MaxHops-1]
	}

	path := make([]*btcec.PublicKey, 0, len(intermediate)+1)
	path = append(path, intermediate...)
	path = append(path, destination)

	buf := make([]byte, PacketSize)
	p, err := PacketFromBytes(buf)
	if err != nil {
		return nil, err
	}

	_, secrets, _, err := CreateHeader(path, p.header.Bytes())
	if err != nil {
		return nil, fmt.Errorf("unable to create header: %w", err)
	}
	path = path[:len(secrets)]

	if _, err := NewMessage(msg, p.message.Bytes()); err != nil {
		return nil, err
	}
	if err := p.message.OnionEncrypt(secrets); err != nil {
		return nil, err
	}

	keyHalves, challenges := computeKeyHalves(secrets)
	hashedKeyHalf := crypto.Hash(keyHalves[0][:])

	_, err = NewChallenge(hashedKeyHalf, node.cfg.PrivateKey,
		p.challenge.Bytes())
	if err != nil {
		return nil, err
	}

	amount := uint64(len(path)-1) * node.cfg.RelayFee
	_, err = transaction.New(
		p.transaction.Bytes(), challenges[0], amount, path[0],
	)
	if err != nil {
		return nil, err
	}
	p.transaction.Sign(node.cfg.PrivateKey)

	err = node.cfg.PendingStore.Put(pending.Key(hashedKeyHalf), &pending.Record{
		NextHop:     path[0].SerializeCompressed(),
		Transaction: copyBytes(p.transaction.Bytes()),
		CreatedAt:   node.cfg.Clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to store pending transaction: %w",
			err)
	}

	log.Debugf("Created packet for %d hops, first hop %x, amount %d",
		len(path), path[0].SerializeCompressed(), amount)

	return p, nil
}

// ForwardResult is the outcome of processing a packet.
type ForwardResult struct {
	// Action is what the caller must do with the packet.
	Action Action

	// Payload is the plaintext, set when Action is ActionDeliver.
	Payload []byte

	// Identifier is the identifier the sender handed to the destination,
	// set when Action is ActionDeliver.
	Identifier [IdentifierSize]byte

	// NextHop is the node the packet must be sent to, set when Action is
	// ActionForward.
	NextHop *btcec.PublicKey

	// Ack must be sent back to the previous hop.
	Ack *Acknowledgement

	// Transaction is the transaction the destination can redeem with the
	// key half it revealed, set when Action is ActionDeliver.
	Transaction *transaction.Transaction
}

// ForwardTransform processes a packet received from previous in place. On
// success the packet either holds the plaintext for this node or is ready to
// be forwarded to the next hop. Any error means the packet must be dropped
// without forwarding or acknowledging it.
func (p *Packet) ForwardTransform(node *Node,
	previous *btcec.PublicKey) (*ForwardResult, error) {

	h := p.header

	if err := h.DeriveSecret(node.cfg.PrivateKey); err != nil {
		return nil, err
	}
	if err := h.CheckReplay(node.cfg.ReplayLog); err != nil {
		return nil, err
	}
	if !h.Verify() {
		return nil, ErrForgedHeader
	}
	if err := h.ExtractHeaderInformation(); err != nil {
		return nil, err
	}

	secret := h.DerivedSecret()
	keyHalf := crypto.DeriveTransactionKey(secret)
	ownHashedKeyHalf := crypto.Hash(keyHalf[:])

	if !p.challenge.Verify(previous, ownHashedKeyHalf) {
		return nil, ErrInvalidChallenge
	}

	final := h.IsFinal(node.pubKey)

	expectedChallenge := ownHashedKeyHalf
	if !final {
		nextHashedKeyHalf := h.HashedKeyHalf()
		expectedChallenge = crypto.Hash(
			keyHalf[:], nextHashedKeyHalf[:],
		)
	}
	if err := p.checkTransaction(node, previous, expectedChallenge,
		final); err != nil {

		return nil, err
	}

	if err := p.message.Decrypt(secret); err != nil {
		return nil, err
	}

	ack, err := NewAcknowledgement(p.challenge, secret, node.cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	if final {
		return p.prepareDelivery(ack)
	}

	return p.prepareForward(node, keyHalf, ack)
}

// checkTransaction validates the transaction issued by the previous hop.
func (p *Packet) checkTransaction(node *Node, previous *btcec.PublicKey,
	expectedChallenge [KeySize]byte, final bool) error {

	tx := p.transaction

	switch {
	case !tx.Verify(previous):
		return fmt.Errorf("%w: not signed by previous hop",
			ErrInvalidTransaction)

	case !tx.IsCounterparty(node.pubKey):
		return fmt.Errorf("%w: not addressed to this node",
			ErrInvalidTransaction)

	case tx.Challenge() != expectedChallenge:
		return fmt.Errorf("%w: unexpected challenge",
			ErrInvalidTransaction)

	case !final && tx.Amount() < node.cfg.RelayFee:
		return fmt.Errorf("%w: amount %d below relay fee %d",
			ErrInvalidTransaction, tx.Amount(), node.cfg.RelayFee)
	}

	return nil
}

func (p *Packet) prepareDelivery(ack *Acknowledgement) (*ForwardResult,
	error) {

	plaintext, err := p.message.Plaintext()
	if err != nil {
		return nil, err
	}

	return &ForwardResult{
		Action:      ActionDeliver,
		Payload:     plaintext,
		Identifier:  p.header.Identifier(),
		Ack:         ack,
		Transaction: p.transaction,
	}, nil
}

func (p *Packet) prepareForward(node *Node, keyHalf [KeySize]byte,
	ack *Acknowledgement) (*ForwardResult, error) {

	h := p.header

	nextHop, err := btcec.ParsePubKey(h.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNextHop, err)
	}

	if err := h.TransformForNextNode(); err != nil {
		return nil, err
	}

	// The received transaction is kept until the next hop reveals the key
	// half that completes its challenge.
	hashedKeyHalf := h.HashedKeyHalf()
	err = node.cfg.PendingStore.Put(pending.Key(hashedKeyHalf), &pending.Record{
		NextHop:     nextHop.SerializeCompressed(),
		OwnKeyHalf:  copyBytes(keyHalf[:]),
		Transaction: copyBytes(p.transaction.Bytes()),
		CreatedAt:   node.cfg.Clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to store pending transaction: %w",
			err)
	}

	amount := p.transaction.Amount() - node.cfg.RelayFee
	_, err = transaction.New(
		p.transaction.Bytes(), h.EncryptionKey(), amount, nextHop,
	)
	if err != nil {
		return nil, err
	}
	p.transaction.Sign(node.cfg.PrivateKey)

	_, err = NewChallenge(hashedKeyHalf, node.cfg.PrivateKey,
		p.challenge.Bytes())
	if err != nil {
		return nil, err
	}

	return &ForwardResult{
		Action:  ActionForward,
		NextHop: nextHop,
		Ack:     ack,
	}, nil
}

// AcknowledgedTransaction is a pending transaction whose acknowledgement has
// arrived.
type AcknowledgedTransaction struct {
	// Transaction is the transaction stored for the acknowledgement. For
	// a relay it is the transaction received from the previous hop, for
	// the sender the one issued to the first hop.
	Transaction *transaction.Transaction

	// OwnKeyHalf is the key half of the relay. It is nil for the sender.
	OwnKeyHalf []byte

	// AckKeyHalf is the key half revealed by the next hop.
	AckKeyHalf []byte

	// NextHop is the node that acknowledged the packet.
	NextHop *btcec.PublicKey
}

// Redeemable returns true if the transaction was received by this node and can
// be redeemed with the two key halves.
func (a *AcknowledgedTransaction) Redeemable() bool {
	return len(a.OwnKeyHalf) != 0
}

// Response returns the preimage of the transaction challenge,
// ownKeyHalf || hash(ackKeyHalf).
func (a *AcknowledgedTransaction) Response() []byte {
	hashedAck := crypto.Hash(a.AckKeyHalf)

	response := make([]byte, 0, len(a.OwnKeyHalf)+len(hashedAck))
	response = append(response, a.OwnKeyHalf...)

	return append(response, hashedAck[:]...)
}

// HandleAcknowledgement settles the pending transaction acknowledged by from.
func HandleAcknowledgement(node *Node, ack *Acknowledgement,
	from *btcec.PublicKey) (*AcknowledgedTransaction, error) {

	if !ack.Verify(node.pubKey, from) {
		return nil, fmt.Errorf("%w: unexpected signers",
			ErrInvalidAcknowledgement)
	}

	key := pending.Key(ack.HashedKey())
	rec, err := node.cfg.PendingStore.Take(key)
	if errors.Is(err, pending.ErrNotFound) {
		return nil, ErrUnknownAcknowledgement
	}
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(rec.NextHop, from.SerializeCompressed()) {
		// Put the record back, the rightful next hop may still
		// acknowledge it.
		if err := node.cfg.PendingStore.Put(key, rec); err != nil {
			log.Errorf("Unable to restore pending record: %v", err)
		}

		return nil, fmt.Errorf("%w: sent by %x instead of %x",
			ErrInvalidAcknowledgement, from.SerializeCompressed(),
			rec.NextHop)
	}

	tx, err := transaction.FromBytes(rec.Transaction)
	if err != nil {
		return nil, err
	}

	acked := &AcknowledgedTransaction{
		Transaction: tx,
		OwnKeyHalf:  rec.OwnKeyHalf,
		AckKeyHalf:  copyBytes(ack.Key()),
		NextHop:     from,
	}

	if acked.Redeemable() {
		if crypto.Hash(acked.Response()) != tx.Challenge() {
			return nil, fmt.Errorf("%w: key halves do not open "+
				"the transaction challenge",
				ErrInvalidAcknowledgement)
		}
	}

	log.Debugf("Acknowledgement from %x settled transaction of amount %d",
		from.SerializeCompressed(), tx.Amount())

	return acked, nil
}

func copyBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
