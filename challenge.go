package onion

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/ellemouton/onion/internal/crypto"
)

var (
	// ErrInvalidChallenge is returned when a challenge was not signed by
	// the previous hop over the expected key half.
	ErrInvalidChallenge = errors.New("onion: invalid challenge")
)

// Challenge commits the previous hop to the hash of the key half this hop is
// about to reveal. It is a view over ChallengeSize bytes laid out as
// signature || recovery.
type Challenge struct {
	buf []byte
}

// NewChallenge signs hash(hashedKey) with priv and writes the challenge into
// buf, which may be nil.
func NewChallenge(hashedKey [KeySize]byte, priv *btcec.PrivateKey,
	buf []byte) (*Challenge, error) {

	if buf == nil {
		buf = make([]byte, ChallengeSize)
	}
	c, err := ChallengeFromBytes(buf)
	if err != nil {
		return nil, err
	}

	digest := crypto.Hash(hashedKey[:])
	sig := ecdsa.SignCompact(priv, digest[:], true)

	copy(buf[:signatureSize], sig[1:])
	buf[signatureSize] = sig[0] - compactSigMagicOffset

	return c, nil
}

// ChallengeFromBytes returns a view over an existing serialized challenge.
func ChallengeFromBytes(buf []byte) (*Challenge, error) {
	if len(buf) != ChallengeSize {
		return nil, ErrInvalidLength
	}

	return &Challenge{buf: buf}, nil
}

// Bytes returns the underlying buffer.
func (c *Challenge) Bytes() []byte {
	return c.buf
}

// Signature returns the r || s signature.
func (c *Challenge) Signature() []byte {
	return c.buf[:signatureSize]
}

// Recovery returns the recovery id of the signature.
func (c *Challenge) Recovery() byte {
	return c.buf[signatureSize]
}

// SigningParty recovers the key that signed hash(hashedKey).
func (c *Challenge) SigningParty(hashedKey [KeySize]byte) (*btcec.PublicKey,
	error) {

	digest := crypto.Hash(hashedKey[:])

	return recoverCompact(c.Signature(), c.Recovery(), digest)
}

// Verify returns true if pub signed the challenge over hashedKey.
func (c *Challenge) Verify(pub *btcec.PublicKey, hashedKey [KeySize]byte) bool {
	signer, err := c.SigningParty(hashedKey)
	if err != nil {
		return false
	}

	return signer.IsEqual(pub)
}

// recoverCompact recovers the signer of digest from an r || s signature and
// its recovery id.
func recoverCompact(sig []byte, recovery byte,
	digest [crypto.HashLength]byte) (*btcec.PublicKey, error) {

	var compact [1 + signatureSize]byte
	compact[0] = recovery + compactSigMagicOffset
	copy(compact[1:], sig)

	pub, _, err := ecdsa.RecoverCompact(compact[:], digest[:])
	if err != nil {
		return nil, err
	}

	return pub, nil
}
