package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"gitlab.com/yawning/bsaes.git"
)

const (
	// PRGKeyLength is the key size of the keystream generator in bytes.
	PRGKeyLength = 16

	// PRGIVLength is the IV size of the keystream generator in bytes. The
	// remaining bytes of an AES block hold the big endian block counter.
	PRGIVLength = 12

	blockSize = aes.BlockSize
)

var (
	// ErrInvalidKeyLength is returned when a primitive is created with key
	// material of the wrong size.
	ErrInvalidKeyLength = errors.New("crypto: invalid key or iv length")
)

// PRG is a deterministic keystream generator with random access. It runs AES
// in counter mode, so any byte range of the stream can be produced without
// generating the bytes in front of it.
type PRG struct {
	block cipher.Block
	iv    [PRGIVLength]byte
}

// NewPRG returns a new keystream generator for the given key and iv.
func NewPRG(key, iv []byte) (*PRG, error) {
	if len(key) != PRGKeyLength || len(iv) != PRGIVLength {
		return nil, ErrInvalidKeyLength
	}

	// bsaes falls back to crypto/aes when AES-NI is available.
	blk, err := bsaes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	p := &PRG{block: blk}
	copy(p.iv[:], iv)

	return p, nil
}

// Digest returns the keystream bytes in the range [start, end). The range does
// not need to be block aligned. A nil slice is returned for invalid ranges.
func (p *PRG) Digest(start, end int) []byte {
	if start < 0 || end < start {
		return nil
	}

	firstBlock := start / blockSize
	startOffset := start % blockSize
	lastBlock := (end + blockSize - 1) / blockSize

	var ctr [blockSize]byte
	copy(ctr[:], p.iv[:])
	binary.BigEndian.PutUint32(ctr[PRGIVLength:], uint32(firstBlock))

	stream := make([]byte, (lastBlock-firstBlock)*blockSize)
	cipher.NewCTR(p.block, ctr[:]).XORKeyStream(stream, stream)

	return stream[startOffset : startOffset+end-start]
}

// NewPRGFromSecret derives the keystream generator parameters from a shared
// secret.
func NewPRGFromSecret(secret []byte) *PRG {
	okm := DeriveKey(secret, prgLabel, PRGKeyLength+PRGIVLength)

	prg, err := NewPRG(okm[:PRGKeyLength], okm[PRGKeyLength:])
	if err != nil {
		// Only reachable if the constants above are wrong.
		panic(err)
	}

	return prg
}
