package onion

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/ellemouton/onion/internal/crypto"
)

// maxKeyShareAttempts bounds the number of fresh ephemeral keys tried when
// building the key shares of a header.
const maxKeyShareAttempts = 16

// newEphemeralKey is the source of the ephemeral key of every key share
// attempt.
var newEphemeralKey = btcec.NewPrivateKey

var (
	// ErrKeyShareRetriesExhausted is returned when no valid set of key
	// shares could be generated within maxKeyShareAttempts.
	ErrKeyShareRetriesExhausted = errors.New("onion: key share " +
		"generation retries exhausted")

	// ErrInvalidAlpha is returned when the alpha of a header is not a
	// valid curve point.
	ErrInvalidAlpha = errors.New("onion: invalid alpha")

	// ErrInvalidBlinding is returned when a blinding factor is zero or
	// not a valid scalar.
	ErrInvalidBlinding = errors.New("onion: invalid blinding factor")

	// errPointAtInfinity is returned internally when a scalar
	// multiplication lands on the point at infinity.
	errPointAtInfinity = errors.New("onion: point at infinity")
)

// keyShares holds the alpha of the first hop and the shared secret with every
// hop of a path.
type keyShares struct {
	alpha   []byte
	secrets [][]byte
}

// scalarMult computes k*p and returns the compressed encoding of the result.
func scalarMult(k *btcec.ModNScalar, p *btcec.PublicKey) ([]byte, error) {
	var pJ, result btcec.JacobianPoint
	p.AsJacobian(&pJ)

	btcec.ScalarMultNonConst(k, &pJ, &result)

	return serializeJacobian(&result)
}

// scalarBaseMult computes k*G and returns the compressed encoding of the
// result.
func scalarBaseMult(k *btcec.ModNScalar) ([]byte, error) {
	var result btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(k, &result)

	return serializeJacobian(&result)
}

func serializeJacobian(p *btcec.JacobianPoint) ([]byte, error) {
	if (p.X.IsZero() && p.Y.IsZero()) || p.Z.IsZero() {
		return nil, errPointAtInfinity
	}

	p.ToAffine()

	return btcec.NewPublicKey(&p.X, &p.Y).SerializeCompressed(), nil
}

// sharedSecret performs ECDH between a private key and a serialized point.
func sharedSecret(priv *btcec.PrivateKey, point []byte) ([]byte, error) {
	pub, err := btcec.ParsePubKey(point)
	if err != nil {
		return nil, ErrInvalidAlpha
	}

	return scalarMult(&priv.Key, pub)
}

// blindingFactor derives the scalar that re-blinds alpha after the hop that
// shares secret with the sender has processed it.
func blindingFactor(alpha, secret []byte) (*btcec.ModNScalar, error) {
	b := crypto.DeriveBlinding(alpha, secret)

	var s btcec.ModNScalar
	if overflow := s.SetBytes(&b); overflow != 0 || s.IsZero() {
		return nil, ErrInvalidBlinding
	}

	return &s, nil
}

// blindAlpha returns b*alpha for the blinding factor of the given secret.
func blindAlpha(alpha, secret []byte) ([]byte, error) {
	b, err := blindingFactor(alpha, secret)
	if err != nil {
		return nil, err
	}

	pub, err := btcec.ParsePubKey(alpha)
	if err != nil {
		return nil, ErrInvalidAlpha
	}

	return scalarMult(b, pub)
}

// generateKeyShares picks an ephemeral key and derives the shared secret with
// every hop of the path. The ephemeral scalar is blinded after every hop so
// that hop i sees alpha_i = x*b_0*...*b_{i-1}*G. If any intermediate value is
// invalid the whole set is discarded and generation restarts from a fresh
// ephemeral key.
func generateKeyShares(path []*btcec.PublicKey) (*keyShares, error) {
	for attempt := 0; attempt < maxKeyShareAttempts; attempt++ {
		ephemeral, err := newEphemeralKey()
		if err != nil {
			return nil, err
		}

		shares, err := keySharesFromScalar(ephemeral.Key, path)
		switch {
		case err == nil:
			return shares, nil

		case errors.Is(err, errPointAtInfinity),
			errors.Is(err, ErrInvalidBlinding):

			log.Debugf("Discarding invalid key shares on attempt "+
				"%d: %v", attempt, err)

		default:
			return nil, err
		}
	}

	return nil, ErrKeyShareRetriesExhausted
}

// keySharesFromScalar derives the key shares of a path for a fixed ephemeral
// scalar.
func keySharesFromScalar(accum btcec.ModNScalar,
	path []*btcec.PublicKey) (*keyShares, error) {

	alpha, err := scalarBaseMult(&accum)
	if err != nil {
		return nil, err
	}

	shares := &keyShares{
		alpha:   alpha,
		secrets: make([][]byte, len(path)),
	}

	hopAlpha := alpha
	for i, hop := range path {
		secret, err := scalarMult(&accum, hop)
		if err != nil {
			return nil, err
		}
		shares.secrets[i] = secret

		b, err := blindingFactor(hopAlpha, secret)
		if err != nil {
			return nil, err
		}

		accum.Mul(b)

		if i == len(path)-1 {
			break
		}

		hopAlpha, err = scalarBaseMult(&accum)
		if err != nil {
			return nil, err
		}
	}

	return shares, nil
}
