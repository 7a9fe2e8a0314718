// Package pending keeps the transactions a node has issued or received while it
// waits for the downstream acknowledgement that lets it redeem them.
//
// A record is keyed by the hash of the key half the next hop will reveal in
// its acknowledgement. Records are read once: Take removes the record it
// returns, so an acknowledgement can only be consumed a single time.
package pending

import (
	"errors"
	"time"

	"github.com/ellemouton/onion/internal/crypto"
)

// KeySize is the size of a record key.
const KeySize = crypto.HashLength

// Key identifies a pending record.
type Key [KeySize]byte

var (
	// ErrNotFound is returned by Take when no record is stored under the
	// requested key.
	ErrNotFound = errors.New("pending: record not found")

	// ErrDuplicate is returned by Put when a record is already stored
	// under the key.
	ErrDuplicate = errors.New("pending: duplicate record")

	// ErrStoreClosed is returned when a closed store is used.
	ErrStoreClosed = errors.New("pending: store closed")
)

// Record is a transaction waiting for its acknowledgement.
type Record struct {
	// NextHop is the compressed public key of the node expected to sign
	// the acknowledgement response.
	NextHop []byte

	// OwnKeyHalf is the key half this node derived from its own shared
	// secret. It is empty for records created by the sender of a packet.
	OwnKeyHalf []byte

	// Transaction is the serialized transaction received from the
	// previous hop, or issued to the next hop by the sender.
	Transaction []byte

	// CreatedAt is the time the record was stored.
	CreatedAt time.Time
}

// Store holds pending records.
type Store interface {
	// Put stores a record under the given key.
	Put(key Key, rec *Record) error

	// Take returns and removes the record stored under key.
	Take(key Key) (*Record, error)

	// Expire removes all records created before cutoff and returns how
	// many were removed.
	Expire(cutoff time.Time) (int, error)

	// Close releases the resources held by the store.
	Close() error
}
