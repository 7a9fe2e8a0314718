package crypto

import (
	"crypto/hmac"
	"errors"
	"hash"

	"github.com/aead/chacha20"
	"golang.org/x/crypto/blake2s"
)

const (
	// PRPKeyLength is the key size of the wide-block cipher in bytes.
	PRPKeyLength = 4 * prpSubKeyLength

	// PRPIVLength is the IV size of the wide-block cipher in bytes.
	PRPIVLength = 4 * prpSubIVLength

	// PRPMinLength is the smallest buffer the wide-block cipher accepts.
	// The first PRPMinLength bytes of a buffer act as the hash slot.
	PRPMinLength = prpHashSlotLength

	prpSubKeyLength   = 32
	prpSubIVLength    = 12
	prpHashSlotLength = 32
)

var (
	// ErrBufferTooShort is returned when a buffer has no room for the hash
	// slot of the wide-block cipher.
	ErrBufferTooShort = errors.New("crypto: buffer shorter than PRP hash slot")
)

// PRP is a four round wide-block cipher built from ChaCha20 and a keyed
// BLAKE2s hash. Every bit of the output depends on every bit of the input, so a
// single tampered byte scrambles the whole buffer on decryption.
type PRP struct {
	keys [4][prpSubKeyLength]byte
	ivs  [4][prpSubIVLength]byte
}

// NewPRP returns a wide-block cipher for the given key and iv.
func NewPRP(key, iv []byte) (*PRP, error) {
	if len(key) != PRPKeyLength || len(iv) != PRPIVLength {
		return nil, ErrInvalidKeyLength
	}

	p := &PRP{}
	for i := 0; i < 4; i++ {
		copy(p.keys[i][:], key[i*prpSubKeyLength:(i+1)*prpSubKeyLength])
		copy(p.ivs[i][:], iv[i*prpSubIVLength:(i+1)*prpSubIVLength])
	}

	return p, nil
}

// NewPRPFromSecret derives the wide-block cipher parameters from a shared
// secret.
func NewPRPFromSecret(secret []byte) *PRP {
	okm := DeriveKey(secret, prpLabel, PRPKeyLength+PRPIVLength)

	prp, err := NewPRP(okm[:PRPKeyLength], okm[PRPKeyLength:])
	if err != nil {
		panic(err)
	}

	return prp
}

// Permutate encrypts buf in place and returns it.
func (p *PRP) Permutate(buf []byte) ([]byte, error) {
	if len(buf) < PRPMinLength {
		return nil, ErrBufferTooShort
	}

	if err := p.encryptionRound(buf, 0); err != nil {
		return nil, err
	}
	p.hashRound(buf, 1)
	if err := p.encryptionRound(buf, 2); err != nil {
		return nil, err
	}
	p.hashRound(buf, 3)

	return buf, nil
}

// Inverse decrypts buf in place and returns it. It undoes Permutate exactly.
func (p *PRP) Inverse(buf []byte) ([]byte, error) {
	if len(buf) < PRPMinLength {
		return nil, ErrBufferTooShort
	}

	p.hashRound(buf, 3)
	if err := p.encryptionRound(buf, 2); err != nil {
		return nil, err
	}
	p.hashRound(buf, 1)
	if err := p.encryptionRound(buf, 0); err != nil {
		return nil, err
	}

	return buf, nil
}

// encryptionRound runs ChaCha20 over the payload under the round key mixed
// with the current hash slot.
func (p *PRP) encryptionRound(buf []byte, round int) error {
	var key [prpSubKeyLength]byte
	XOR(key[:], p.keys[round][:], buf[:prpHashSlotLength])

	c, err := chacha20.NewCipher(p.ivs[round][:], key[:])
	if err != nil {
		return err
	}

	payload := buf[prpHashSlotLength:]
	c.XORKeyStream(payload, payload)

	return nil
}

// hashRound folds a keyed hash of the payload into the hash slot.
func (p *PRP) hashRound(buf []byte, round int) {
	key := make([]byte, 0, prpSubKeyLength+prpSubIVLength)
	key = append(key, p.keys[round][:]...)
	key = append(key, p.ivs[round][:]...)

	mac := hmac.New(newBlake2s, key)
	mac.Write(buf[prpHashSlotLength:])

	slot := buf[:prpHashSlotLength]
	XOR(slot, slot, mac.Sum(nil))
}

func newBlake2s() hash.Hash {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(err)
	}

	return h
}
