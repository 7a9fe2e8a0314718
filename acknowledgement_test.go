package onion

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/ellemouton/onion/internal/crypto"
)

func TestChallenge(t *testing.T) {
	signer, _ := btcec.NewPrivateKey()
	other, _ := btcec.NewPrivateKey()

	hashedKey := crypto.Hash([]byte("key half"))

	c, err := NewChallenge(hashedKey, signer, nil)
	require.NoError(t, err)
	require.Len(t, c.Bytes(), ChallengeSize)
	require.LessOrEqual(t, c.Recovery(), byte(3))

	require.True(t, c.Verify(signer.PubKey(), hashedKey))
	require.False(t, c.Verify(other.PubKey(), hashedKey))
	require.False(t, c.Verify(signer.PubKey(), crypto.Hash([]byte("other"))))

	signingParty, err := c.SigningParty(hashedKey)
	require.NoError(t, err)
	require.True(t, signingParty.IsEqual(signer.PubKey()))

	_, err = ChallengeFromBytes(make([]byte, ChallengeSize-1))
	require.ErrorIs(t, err, ErrInvalidLength)
}

// newTestAck builds the challenge a previous hop signs over the key half of
// secret and the acknowledgement the hop that holds secret answers with.
func newTestAck(t *testing.T, secret []byte, previous,
	hop *btcec.PrivateKey) (*Challenge, *Acknowledgement) {

	t.Helper()

	keyHalf := crypto.DeriveTransactionKey(secret)
	c, err := NewChallenge(crypto.Hash(keyHalf[:]), previous, nil)
	require.NoError(t, err)

	ack, err := NewAcknowledgement(c, secret, hop)
	require.NoError(t, err)

	return c, ack
}

func TestAcknowledgement(t *testing.T) {
	previous, _ := btcec.NewPrivateKey()
	hop, _ := btcec.NewPrivateKey()
	secret := bytes.Repeat([]byte{0x42}, AddressSize)

	c, ack := newTestAck(t, secret, previous, hop)
	require.Len(t, ack.Bytes(), AcknowledgementSize)

	keyHalf := crypto.DeriveTransactionKey(secret)
	require.Equal(t, keyHalf[:], ack.Key())
	require.Equal(t, c.Signature(), ack.ChallengeSignature())

	// The challenge recovery id sits in bit 1, the response in bit 0.
	require.Equal(t, c.Recovery(), ack.Bytes()[AcknowledgementSize-1]>>1)
	require.Zero(t, ack.Bytes()[AcknowledgementSize-1]&^0x03)

	challengeSigner, err := ack.ChallengeSigningParty()
	require.NoError(t, err)
	require.True(t, challengeSigner.IsEqual(previous.PubKey()))

	responseSigner, err := ack.ResponseSigningParty()
	require.NoError(t, err)
	require.True(t, responseSigner.IsEqual(hop.PubKey()))

	require.True(t, ack.Verify(previous.PubKey(), hop.PubKey()))
	require.False(t, ack.Verify(hop.PubKey(), previous.PubKey()))

	decoded, err := AcknowledgementFromBytes(ack.Bytes())
	require.NoError(t, err)
	require.True(t, decoded.Verify(previous.PubKey(), hop.PubKey()))

	_, err = AcknowledgementFromBytes(make([]byte, AcknowledgementSize+1))
	require.ErrorIs(t, err, ErrInvalidLength)
}

// TestAcknowledgementBinding asserts that swapping the key half for one
// derived from another secret breaks both signatures.
func TestAcknowledgementBinding(t *testing.T) {
	previous, _ := btcec.NewPrivateKey()
	hop, _ := btcec.NewPrivateKey()

	_, ack := newTestAck(
		t, bytes.Repeat([]byte{0x01}, AddressSize), previous, hop,
	)

	otherKey := crypto.DeriveTransactionKey(
		bytes.Repeat([]byte{0x02}, AddressSize),
	)
	copy(ack.Key(), otherKey[:])

	responseSigner, err := ack.ResponseSigningParty()
	if err == nil {
		require.False(t, responseSigner.IsEqual(hop.PubKey()))
	}

	challengeSigner, err := ack.ChallengeSigningParty()
	if err == nil {
		require.False(t, challengeSigner.IsEqual(previous.PubKey()))
	}

	require.False(t, ack.Verify(previous.PubKey(), hop.PubKey()))
}

func TestAcknowledgementRecoveryOverflow(t *testing.T) {
	hop, _ := btcec.NewPrivateKey()

	c, err := ChallengeFromBytes(make([]byte, ChallengeSize))
	require.NoError(t, err)
	c.Bytes()[signatureSize] = 2

	_, err = NewAcknowledgement(c, []byte{0x01}, hop)
	require.ErrorIs(t, err, ErrRecoveryOverflow)
}
