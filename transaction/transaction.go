// Package transaction implements the payment ticket that travels with every
// onion packet. A Transaction is a fixed size signed blob that commits to a
// proof-of-relay challenge: the recipient can only redeem it once it learns the
// key halves that hash to that challenge.
package transaction

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/ellemouton/onion/internal/crypto"
)

const (
	// ChallengeSize is the size of the committed challenge.
	ChallengeSize = crypto.HashLength

	// AmountSize is the size of the big endian amount.
	AmountSize = 8

	// CounterpartySize is the size of the recipient's compressed public
	// key.
	CounterpartySize = btcec.PubKeyBytesLenCompressed

	// SignatureSize is the size of the r || s signature.
	SignatureSize = 64

	// Size is the total size of a serialized Transaction.
	Size = ChallengeSize + AmountSize + CounterpartySize +
		SignatureSize + 1

	challengeOffset    = 0
	amountOffset       = challengeOffset + ChallengeSize
	counterpartyOffset = amountOffset + AmountSize
	signatureOffset    = counterpartyOffset + CounterpartySize
	recoveryOffset     = signatureOffset + SignatureSize

	// compactSigMagicOffset is the offset btcec adds to the recovery code
	// of a compact signature made with a compressed key.
	compactSigMagicOffset = 27 + 4
)

var (
	// ErrInvalidLength is returned when a buffer does not have the size of
	// a Transaction.
	ErrInvalidLength = errors.New("transaction: invalid length")

	// ErrInvalidSignature is returned when the signer of a transaction
	// cannot be recovered.
	ErrInvalidSignature = errors.New("transaction: invalid signature")
)

// Transaction is a view over Size bytes. The layout is
// challenge || amount || counterparty || signature || recovery.
type Transaction struct {
	buf []byte
}

// New writes a new unsigned transaction into buf, which must be Size bytes
// long. If buf is nil a fresh buffer is allocated.
func New(buf []byte, challenge [ChallengeSize]byte, amount uint64,
	counterparty *btcec.PublicKey) (*Transaction, error) {

	if buf == nil {
		buf = make([]byte, Size)
	}
	if len(buf) != Size {
		return nil, ErrInvalidLength
	}

	copy(buf[challengeOffset:amountOffset], challenge[:])
	binary.BigEndian.PutUint64(buf[amountOffset:counterpartyOffset], amount)
	copy(buf[counterpartyOffset:signatureOffset],
		counterparty.SerializeCompressed())

	// Clear any stale signature.
	for i := signatureOffset; i < Size; i++ {
		buf[i] = 0
	}

	return &Transaction{buf: buf}, nil
}

// FromBytes returns a view over an existing serialized transaction.
func FromBytes(buf []byte) (*Transaction, error) {
	if len(buf) != Size {
		return nil, ErrInvalidLength
	}

	return &Transaction{buf: buf}, nil
}

// Bytes returns the underlying buffer.
func (t *Transaction) Bytes() []byte {
	return t.buf
}

// Challenge returns the proof-of-relay challenge the transaction commits to.
func (t *Transaction) Challenge() [ChallengeSize]byte {
	var c [ChallengeSize]byte
	copy(c[:], t.buf[challengeOffset:amountOffset])

	return c
}

// Amount returns the value of the transaction.
func (t *Transaction) Amount() uint64 {
	return binary.BigEndian.Uint64(t.buf[amountOffset:counterpartyOffset])
}

// Counterparty returns the serialized public key of the recipient.
func (t *Transaction) Counterparty() []byte {
	return t.buf[counterpartyOffset:signatureOffset]
}

// IsCounterparty returns true if the transaction is addressed to the given
// key.
func (t *Transaction) IsCounterparty(pub *btcec.PublicKey) bool {
	return bytes.Equal(t.Counterparty(), pub.SerializeCompressed())
}

// sigHash is the digest that gets signed.
func (t *Transaction) sigHash() [crypto.HashLength]byte {
	return crypto.Hash(t.buf[:signatureOffset])
}

// Sign signs the transaction with the given key.
func (t *Transaction) Sign(priv *btcec.PrivateKey) {
	hash := t.sigHash()
	sig := ecdsa.SignCompact(priv, hash[:], true)

	copy(t.buf[signatureOffset:recoveryOffset], sig[1:])
	t.buf[recoveryOffset] = sig[0] - compactSigMagicOffset
}

// Signer recovers the public key that signed the transaction.
func (t *Transaction) Signer() (*btcec.PublicKey, error) {
	var compact [1 + SignatureSize]byte
	compact[0] = t.buf[recoveryOffset] + compactSigMagicOffset
	copy(compact[1:], t.buf[signatureOffset:recoveryOffset])

	hash := t.sigHash()
	pub, _, err := ecdsa.RecoverCompact(compact[:], hash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return pub, nil
}

// Verify returns true if the transaction was signed by the given key.
func (t *Transaction) Verify(pub *btcec.PublicKey) bool {
	signer, err := t.Signer()
	if err != nil {
		return false
	}

	return signer.IsEqual(pub)
}
