package onion

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/ellemouton/onion/internal/crypto"
)

const (
	ackKeyOffset          = 0
	ackChallengeSigOffset = ackKeyOffset + crypto.TransactionKeyLength
	ackResponseSigOffset  = ackChallengeSigOffset + signatureSize
	ackRecoveryOffset     = ackResponseSigOffset + signatureSize

	challengeRecoveryBit = 1
	responseRecoveryBit  = 0
)

var (
	// ErrInvalidAcknowledgement is returned when an acknowledgement does
	// not match the pending transaction it claims to settle.
	ErrInvalidAcknowledgement = errors.New("onion: invalid acknowledgement")

	// ErrRecoveryOverflow is returned when a recovery id does not fit into
	// the single bit an acknowledgement reserves for it.
	ErrRecoveryOverflow = errors.New("onion: recovery id does not fit " +
		"into one bit")
)

// Acknowledgement is sent back to the previous hop once a packet was
// processed. It reveals the key half of this hop and binds it to the challenge
// the previous hop signed. The layout is key || challenge signature ||
// response signature || recovery, where bit 1 of the recovery byte belongs to
// the challenge signature and bit 0 to the response signature.
type Acknowledgement struct {
	buf []byte
}

// NewAcknowledgement acknowledges the challenge received with a packet whose
// header yielded derivedSecret.
func NewAcknowledgement(challenge *Challenge, derivedSecret []byte,
	priv *btcec.PrivateKey) (*Acknowledgement, error) {

	if challenge.Recovery() > 1 {
		return nil, ErrRecoveryOverflow
	}

	buf := make([]byte, AcknowledgementSize)
	key := crypto.DeriveTransactionKey(derivedSecret)
	copy(buf[ackKeyOffset:ackChallengeSigOffset], key[:])
	copy(buf[ackChallengeSigOffset:ackResponseSigOffset],
		challenge.Signature())

	a := &Acknowledgement{buf: buf}

	digest := a.responseDigest()
	sig := ecdsa.SignCompact(priv, digest[:], true)

	responseRecovery := sig[0] - compactSigMagicOffset
	if responseRecovery > 1 {
		return nil, ErrRecoveryOverflow
	}

	copy(buf[ackResponseSigOffset:ackRecoveryOffset], sig[1:])
	buf[ackRecoveryOffset] = challenge.Recovery()<<challengeRecoveryBit |
		responseRecovery<<responseRecoveryBit

	return a, nil
}

// AcknowledgementFromBytes decodes a serialized acknowledgement.
func AcknowledgementFromBytes(buf []byte) (*Acknowledgement, error) {
	if len(buf) != AcknowledgementSize {
		return nil, ErrInvalidLength
	}

	return &Acknowledgement{buf: buf}, nil
}

// Bytes returns the underlying buffer.
func (a *Acknowledgement) Bytes() []byte {
	return a.buf
}

// Key returns the revealed key half.
func (a *Acknowledgement) Key() []byte {
	return a.buf[ackKeyOffset:ackChallengeSigOffset]
}

// HashedKey returns the hash of the revealed key half.
func (a *Acknowledgement) HashedKey() [KeySize]byte {
	return crypto.Hash(a.Key())
}

// ChallengeSignature returns the copied challenge signature.
func (a *Acknowledgement) ChallengeSignature() []byte {
	return a.buf[ackChallengeSigOffset:ackResponseSigOffset]
}

// ResponseSignature returns the signature of the acknowledging node.
func (a *Acknowledgement) ResponseSignature() []byte {
	return a.buf[ackResponseSigOffset:ackRecoveryOffset]
}

func (a *Acknowledgement) challengeRecovery() byte {
	return (a.buf[ackRecoveryOffset] >> challengeRecoveryBit) & 1
}

func (a *Acknowledgement) responseRecovery() byte {
	return (a.buf[ackRecoveryOffset] >> responseRecoveryBit) & 1
}

func (a *Acknowledgement) responseDigest() [crypto.HashLength]byte {
	return crypto.Hash(a.Key(), a.ChallengeSignature())
}

// ChallengeSigningParty recovers the node that issued the challenge. The
// challenge was signed over hash(hash(key)).
func (a *Acknowledgement) ChallengeSigningParty() (*btcec.PublicKey, error) {
	hashedKey := a.HashedKey()

	return recoverCompact(
		a.ChallengeSignature(), a.challengeRecovery(),
		crypto.Hash(hashedKey[:]),
	)
}

// ResponseSigningParty recovers the node that sent the acknowledgement.
func (a *Acknowledgement) ResponseSigningParty() (*btcec.PublicKey, error) {
	return recoverCompact(
		a.ResponseSignature(), a.responseRecovery(),
		a.responseDigest(),
	)
}

// Verify returns true if the challenge was signed by challengeSigner and the
// response by responseSigner.
func (a *Acknowledgement) Verify(challengeSigner,
	responseSigner *btcec.PublicKey) bool {

	c, err := a.ChallengeSigningParty()
	if err != nil || !c.IsEqual(challengeSigner) {
		return false
	}

	r, err := a.ResponseSigningParty()
	if err != nil || !r.IsEqual(responseSigner) {
		return false
	}

	return true
}
