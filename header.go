package onion

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/davecgh/go-spew/spew"

	"github.com/ellemouton/onion/internal/crypto"
	"github.com/ellemouton/onion/replay"
)

const (
	alphaOffset = 0
	betaOffset  = alphaOffset + AddressSize
	gammaOffset = betaOffset + BetaSize

	// Offsets of the fields of a decrypted routing record.
	recordAddressEnd       = AddressSize
	recordGammaEnd         = recordAddressEnd + HMACSize
	recordHashedKeyHalfEnd = recordGammaEnd + KeySize
	recordEncryptionKeyEnd = recordHashedKeyHalfEnd + KeySize
	recordIdentifierEnd    = recordAddressEnd + IdentifierSize
)

var (
	// ErrEmptyPath is returned when a header is built for a path without
	// any hop.
	ErrEmptyPath = errors.New("onion: empty path")

	// ErrInvalidState is returned when a header operation is called out
	// of order.
	ErrInvalidState = errors.New("onion: header operation out of order")

	// ErrReplay is returned when a header carries a replay tag the node
	// has already seen.
	ErrReplay = errors.New("onion: replayed header")

	// ErrForgedHeader is returned when the MAC of a header does not
	// verify.
	ErrForgedHeader = errors.New("onion: forged header")

	// ErrInvalidLength is returned when a buffer does not have the size of
	// the structure it is decoded into.
	ErrInvalidLength = errors.New("onion: invalid length")
)

// headerState tracks the progress of a relay through the extraction of its
// routing record. Every operation requires the state left by the previous one.
type headerState uint8

const (
	stateReceived headerState = iota
	stateSecretDerived
	stateTagChecked
	stateMACVerified
	stateExtracted
	stateTransformed
)

// String returns a human readable name of the state.
func (s headerState) String() string {
	switch s {
	case stateReceived:
		return "received"
	case stateSecretDerived:
		return "secret-derived"
	case stateTagChecked:
		return "tag-checked"
	case stateMACVerified:
		return "mac-verified"
	case stateExtracted:
		return "extracted"
	case stateTransformed:
		return "transformed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Header is the routing header of a packet, a view over HeaderSize bytes laid
// out as alpha || beta || gamma.
type Header struct {
	buf   []byte
	state headerState

	derivedSecret []byte
	record        [PerHopSize]byte
}

// HeaderFromBytes returns a view over an existing serialized header.
func HeaderFromBytes(buf []byte) (*Header, error) {
	if len(buf) != HeaderSize {
		return nil, ErrInvalidLength
	}

	return &Header{buf: buf}, nil
}

// Bytes returns the underlying buffer.
func (h *Header) Bytes() []byte {
	return h.buf
}

// Alpha returns the blinded group element of the header.
func (h *Header) Alpha() []byte {
	return h.buf[alphaOffset:betaOffset]
}

// Beta returns the encrypted routing information.
func (h *Header) Beta() []byte {
	return h.buf[betaOffset:gammaOffset]
}

// Gamma returns the MAC over beta.
func (h *Header) Gamma() []byte {
	return h.buf[gammaOffset:HeaderSize]
}

// CreateHeader builds a header for the given path into buf, which may be nil.
// Paths longer than MaxHops are truncated. The shared secret with every hop
// and the identifier handed to the last hop are returned alongside.
func CreateHeader(path []*btcec.PublicKey, buf []byte) (*Header, [][]byte,
	[IdentifierSize]byte, error) {

	var identifier [IdentifierSize]byte

	if len(path) == 0 {
		return nil, nil, identifier, ErrEmptyPath
	}
	if len(path) > MaxHops {
		log.Warnf("Truncating path of %d hops to %d", len(path),
			MaxHops)
		path = path[:MaxHops]
	}

	if buf == nil {
		buf = make([]byte, HeaderSize)
	}
	h, err := HeaderFromBytes(buf)
	if err != nil {
		return nil, nil, identifier, err
	}

	shares, err := generateKeyShares(path)
	if err != nil {
		return nil, nil, identifier, err
	}

	if _, err := io.ReadFull(rand.Reader, identifier[:]); err != nil {
		return nil, nil, identifier, err
	}

	copy(h.Alpha(), shares.alpha)
	createBetaAndGamma(h, path, shares.secrets, identifier)

	log.Tracef("Created header for %d hops: %v", len(path),
		newLogClosure(func() string {
			return spew.Sdump(h.buf)
		}))

	return h, shares.secrets, identifier, nil
}

// generateFiller returns the bytes that the first len(secrets)-1 hops append
// to beta while peeling their layer. Hop k appends PerHopSize bytes of its
// keystream at offset BetaSize, where they land after the shift done by the
// hops before it.
func generateFiller(secrets [][]byte) []byte {
	numHops := len(secrets)
	if numHops < 2 {
		return nil
	}

	filler := make([]byte, (numHops-1)*PerHopSize)
	for k := 0; k < numHops-1; k++ {
		start := BetaSize - k*PerHopSize
		stream := crypto.NewPRGFromSecret(secrets[k]).Digest(
			start, BetaSize+PerHopSize,
		)

		crypto.XOR(filler, filler, stream)
	}

	return filler
}

// computeKeyHalves returns the key half of every hop and the challenge every
// hop's incoming transaction commits to.
func computeKeyHalves(secrets [][]byte) ([][crypto.HashLength]byte,
	[][crypto.HashLength]byte) {

	numHops := len(secrets)

	keyHalves := make([][crypto.HashLength]byte, numHops)
	for i, secret := range secrets {
		keyHalves[i] = crypto.DeriveTransactionKey(secret)
	}

	challenges := make([][crypto.HashLength]byte, numHops)
	for i := range secrets {
		if i == numHops-1 {
			challenges[i] = crypto.Hash(keyHalves[i][:])
			continue
		}

		next := crypto.Hash(keyHalves[i+1][:])
		challenges[i] = crypto.Hash(keyHalves[i][:], next[:])
	}

	return keyHalves, challenges
}

// createBetaAndGamma fills in beta and gamma from the last hop backwards.
func createBetaAndGamma(h *Header, path []*btcec.PublicKey, secrets [][]byte,
	identifier [IdentifierSize]byte) {

	numHops := len(path)
	beta := h.Beta()

	keyHalves, challenges := computeKeyHalves(secrets)

	// The destination's record is followed by zero padding up to the
	// point where the filler starts.
	last := numHops - 1
	paddedLen := BetaSize - last*PerHopSize

	for i := range beta {
		beta[i] = 0
	}
	copy(beta[:AddressSize], path[last].SerializeCompressed())
	copy(beta[AddressSize:LastHopSize], identifier[:])

	stream := crypto.NewPRGFromSecret(secrets[last]).Digest(0, paddedLen)
	crypto.XOR(beta[:paddedLen], beta[:paddedLen], stream)
	copy(beta[paddedLen:], generateFiller(secrets))

	gamma := crypto.MAC(crypto.DeriveMACKey(secrets[last]), beta)

	for i := numHops - 2; i >= 0; i-- {
		// Make room for the record of hop i.
		copy(beta[PerHopSize:], beta[:BetaSize-PerHopSize])

		nextHashedKeyHalf := crypto.Hash(keyHalves[i+1][:])

		record := beta[:PerHopSize]
		copy(record[:recordAddressEnd], path[i+1].SerializeCompressed())
		copy(record[recordAddressEnd:recordGammaEnd], gamma[:])
		copy(record[recordGammaEnd:recordHashedKeyHalfEnd],
			nextHashedKeyHalf[:])
		copy(record[recordHashedKeyHalfEnd:recordEncryptionKeyEnd],
			challenges[i+1][:])

		stream := crypto.NewPRGFromSecret(secrets[i]).Digest(0, BetaSize)
		crypto.XOR(beta, beta, stream)

		gamma = crypto.MAC(crypto.DeriveMACKey(secrets[i]), beta)
	}

	copy(h.Gamma(), gamma[:])
}

// DeriveSecret computes the shared secret of this hop from alpha and the
// node's private key.
func (h *Header) DeriveSecret(priv *btcec.PrivateKey) error {
	if h.state != stateReceived {
		return fmt.Errorf("%w: derive secret in state %v",
			ErrInvalidState, h.state)
	}
	if priv == nil || priv.Key.IsZero() {
		return errors.New("onion: invalid private key")
	}

	secret, err := sharedSecret(priv, h.Alpha())
	if err != nil {
		return err
	}

	h.derivedSecret = secret
	h.state = stateSecretDerived

	return nil
}

// DerivedSecret returns the shared secret of this hop once it was derived.
func (h *Header) DerivedSecret() []byte {
	return h.derivedSecret
}

// Tag returns the replay tag of the derived secret.
func (h *Header) Tag() (replay.Tag, error) {
	if h.state < stateSecretDerived {
		return replay.Tag{}, fmt.Errorf("%w: tag in state %v",
			ErrInvalidState, h.state)
	}

	return crypto.DeriveTag(h.derivedSecret), nil
}

// CheckReplay records the tag of this header in the log and fails with
// ErrReplay if the log had already seen it. It must run before the MAC is
// trusted.
func (h *Header) CheckReplay(l replay.Log) error {
	if h.state != stateSecretDerived {
		return fmt.Errorf("%w: replay check in state %v",
			ErrInvalidState, h.state)
	}

	tag, err := h.Tag()
	if err != nil {
		return err
	}

	seen, err := l.TestAndSet(tag)
	if err != nil {
		return fmt.Errorf("unable to check replay tag: %w", err)
	}
	if seen {
		return ErrReplay
	}

	h.state = stateTagChecked

	return nil
}

// Verify checks gamma against beta under the derived secret.
func (h *Header) Verify() bool {
	if h.state != stateTagChecked {
		return false
	}

	mac := crypto.MAC(crypto.DeriveMACKey(h.derivedSecret), h.Beta())
	if !hmac.Equal(mac[:], h.Gamma()) {
		return false
	}

	h.state = stateMACVerified

	return true
}

// ExtractHeaderInformation decrypts the routing record of this hop and
// shifts beta so that it holds the routing information of the next hop.
func (h *Header) ExtractHeaderInformation() error {
	if h.state != stateMACVerified {
		return fmt.Errorf("%w: extract in state %v", ErrInvalidState,
			h.state)
	}

	tmp := make([]byte, BetaSize+PerHopSize)
	copy(tmp, h.Beta())

	stream := crypto.NewPRGFromSecret(h.derivedSecret).Digest(
		0, BetaSize+PerHopSize,
	)
	crypto.XOR(tmp, tmp, stream)

	copy(h.record[:], tmp[:PerHopSize])
	copy(h.Beta(), tmp[PerHopSize:])
	copy(h.Gamma(), h.record[recordAddressEnd:recordGammaEnd])

	h.state = stateExtracted

	return nil
}

// IsFinal returns true if the extracted record addresses the given node,
// which means the node is the destination of the packet.
func (h *Header) IsFinal(self *btcec.PublicKey) bool {
	return h.state >= stateExtracted &&
		bytes.Equal(h.Address(), self.SerializeCompressed())
}

// Address returns the address of the next hop, or of the destination itself
// at the last hop.
func (h *Header) Address() []byte {
	if h.state < stateExtracted {
		return nil
	}

	return h.record[:recordAddressEnd]
}

// HashedKeyHalf returns the hash of the key half the next hop will reveal.
func (h *Header) HashedKeyHalf() [KeySize]byte {
	var k [KeySize]byte
	if h.state >= stateExtracted {
		copy(k[:], h.record[recordGammaEnd:recordHashedKeyHalfEnd])
	}

	return k
}

// EncryptionKey returns the challenge the next hop's transaction commits to.
func (h *Header) EncryptionKey() [KeySize]byte {
	var k [KeySize]byte
	if h.state >= stateExtracted {
		copy(k[:], h.record[recordHashedKeyHalfEnd:recordEncryptionKeyEnd])
	}

	return k
}

// Identifier returns the identifier the sender handed to the destination.
func (h *Header) Identifier() [IdentifierSize]byte {
	var id [IdentifierSize]byte
	if h.state >= stateExtracted {
		copy(id[:], h.record[recordAddressEnd:recordIdentifierEnd])
	}

	return id
}

// TransformForNextNode re-blinds alpha for the next hop.
func (h *Header) TransformForNextNode() error {
	if h.state != stateExtracted {
		return fmt.Errorf("%w: transform in state %v", ErrInvalidState,
			h.state)
	}

	alpha, err := blindAlpha(h.Alpha(), h.derivedSecret)
	if err != nil {
		return err
	}
	copy(h.Alpha(), alpha)

	h.state = stateTransformed

	return nil
}
