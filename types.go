package onion

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/ellemouton/onion/internal/crypto"
	"github.com/ellemouton/onion/transaction"
)

const (
	// MaxHops is the maximum number of hops, destination included, a
	// packet can travel through.
	MaxHops = 3

	// AddressSize is the size of a node address, its compressed public
	// key.
	AddressSize = btcec.PubKeyBytesLenCompressed

	// HMACSize is the size of the header MAC.
	HMACSize = crypto.MACLength

	// KeySize is the size of the hashed key half and of the encryption key
	// carried in every per-hop record.
	KeySize = crypto.HashLength

	// IdentifierSize is the size of the random identifier handed to the
	// destination.
	IdentifierSize = 16

	// PerHopSize is the size of the routing record of a relay:
	// next address || next gamma || hashed key half || encryption key.
	PerHopSize = AddressSize + HMACSize + KeySize + KeySize

	// LastHopSize is the size of the routing record of the destination:
	// destination address || identifier.
	LastHopSize = AddressSize + IdentifierSize

	// BetaSize is the size of the encrypted routing information.
	BetaSize = PerHopSize*(MaxHops-1) + LastHopSize

	// HeaderSize is the size of a serialized Header.
	HeaderSize = AddressSize + BetaSize + HMACSize

	// PayloadSize is the largest plaintext a Message can carry.
	PayloadSize = 500

	// PaddingMarker separates the plaintext of a Message from its zero
	// fill.
	PaddingMarker = "PADDING"

	// MessageSize is the size of a serialized Message.
	MessageSize = PayloadSize + len(PaddingMarker)

	// ChallengeSize is the size of a serialized Challenge:
	// signature || recovery.
	ChallengeSize = signatureSize + 1

	// AcknowledgementSize is the size of a serialized Acknowledgement:
	// key || challenge signature || response signature || recovery.
	AcknowledgementSize = crypto.TransactionKeyLength + 2*signatureSize + 1

	// PacketSize is the size of a serialized Packet:
	// header || transaction || challenge || message.
	PacketSize = HeaderSize + transaction.Size + ChallengeSize + MessageSize

	// DefaultRelayFee is the amount a relay keeps from every transaction
	// it forwards.
	DefaultRelayFee = 10

	// signatureSize is the size of an r || s signature.
	signatureSize = 64

	// compactSigMagicOffset is the offset btcec adds to the recovery code
	// of a compact signature made with a compressed key.
	compactSigMagicOffset = 27 + 4
)
