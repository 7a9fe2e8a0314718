// Package crypto provides the symmetric primitives of the onion packet format:
// the keystream generator, the wide-block cipher and the key derivation used to
// turn a per-hop shared secret into the keys that drive them.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const (
	// HashLength is the output size of Hash in bytes.
	HashLength = 32

	// MACLength is the tag size of the header MAC in bytes.
	MACLength = sha256.Size

	// TagLength is the size of the replay tag in bytes.
	TagLength = 16

	// TransactionKeyLength is the size of a key half in bytes.
	TransactionKeyLength = 32
)

const (
	prgLabel            = "prg"
	prpLabel            = "prp"
	macLabel            = "mac"
	tagLabel            = "tag"
	blindingLabel       = "blinding"
	transactionKeyLabel = "transaction-key"
)

// Hash returns the Keccak-256 digest of the concatenation of the arguments.
// It is the hash the payment layer commits to.
func Hash(data ...[]byte) [HashLength]byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}

	var digest [HashLength]byte
	copy(digest[:], h.Sum(nil))

	return digest
}

// DeriveKey expands the shared secret into n bytes of key material bound to
// the given label.
func DeriveKey(secret []byte, label string, n int) []byte {
	r := hkdf.New(sha256.New, secret, nil, []byte(label))

	okm := make([]byte, n)
	if _, err := io.ReadFull(r, okm); err != nil {
		// HKDF-SHA256 can produce up to 8160 bytes.
		panic(err)
	}

	return okm
}

// MAC calculates HMAC-SHA-256 over the message using the passed key.
func MAC(key, msg []byte) [MACLength]byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)

	var mac [MACLength]byte
	copy(mac[:], m.Sum(nil))

	return mac
}

// DeriveMACKey returns the key used to authenticate the routing information.
func DeriveMACKey(secret []byte) []byte {
	return DeriveKey(secret, macLabel, MACLength)
}

// DeriveTag returns the replay tag of a shared secret.
func DeriveTag(secret []byte) [TagLength]byte {
	var tag [TagLength]byte
	copy(tag[:], DeriveKey(secret, tagLabel, TagLength))

	return tag
}

// DeriveBlinding returns the raw blinding factor for the given alpha and
// shared secret. Callers must reduce it into a scalar and reject zero and
// overflowing values.
func DeriveBlinding(alpha, secret []byte) [32]byte {
	ikm := make([]byte, 0, len(alpha)+len(secret))
	ikm = append(ikm, alpha...)
	ikm = append(ikm, secret...)

	var b [32]byte
	copy(b[:], DeriveKey(ikm, blindingLabel, 32))

	return b
}

// DeriveTransactionKey returns the key half a hop reveals in its
// acknowledgement.
func DeriveTransactionKey(secret []byte) [TransactionKeyLength]byte {
	var k [TransactionKeyLength]byte
	copy(k[:], DeriveKey(secret, transactionKeyLabel, TransactionKeyLength))

	return k
}

// XOR writes a XOR b into dst, up to the length of the shorter input, and
// returns the number of bytes written.
func XOR(dst, a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dst[i] = a[i] ^ b[i]
	}
	return n
}
