package pending

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

// dbPermissions sets the database permissions to user write-and-readable.
const dbPermissions = 0600

var (
	// recordBucket maps record keys to CBOR encoded diskRecords.
	recordBucket = []byte("pending-records")

	dbOptions = &bolt.Options{
		Timeout: time.Second,
	}
)

// diskRecord is the on-disk form of a Record.
type diskRecord struct {
	NextHop     []byte `cbor:"1,keyasint"`
	OwnKeyHalf  []byte `cbor:"2,keyasint,omitempty"`
	Transaction []byte `cbor:"3,keyasint"`
	CreatedAt   int64  `cbor:"4,keyasint"`
}

func encodeRecord(rec *Record) ([]byte, error) {
	return cbor.Marshal(&diskRecord{
		NextHop:     rec.NextHop,
		OwnKeyHalf:  rec.OwnKeyHalf,
		Transaction: rec.Transaction,
		CreatedAt:   rec.CreatedAt.UnixNano(),
	})
}

func decodeRecord(b []byte) (*Record, error) {
	var d diskRecord
	if err := cbor.Unmarshal(b, &d); err != nil {
		return nil, err
	}

	return &Record{
		NextHop:     d.NextHop,
		OwnKeyHalf:  d.OwnKeyHalf,
		Transaction: d.Transaction,
		CreatedAt:   time.Unix(0, d.CreatedAt),
	}, nil
}

// BoltStore is a Store persisted in a bbolt database, so that a node which
// restarts can still redeem transactions acknowledged after the restart.
type BoltStore struct {
	sync.Mutex

	db *bolt.DB
}

// A compile time check to ensure BoltStore implements the Store interface.
var _ Store = (*BoltStore)(nil)

// NewBoltStore opens, or creates, the store at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bolt.Open(dbPath, dbPermissions, dbOptions)
	if err != nil {
		return nil, fmt.Errorf("unable to open pending store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Pending store opened at %v", dbPath)

	return &BoltStore{db: db}, nil
}

// Put stores a record under the given key.
func (s *BoltStore) Put(key Key, rec *Record) error {
	s.Lock()
	defer s.Unlock()

	if s.db == nil {
		return ErrStoreClosed
	}

	encoded, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(recordBucket)
		if bucket.Get(key[:]) != nil {
			return ErrDuplicate
		}

		return bucket.Put(key[:], encoded)
	})
}

// Take returns and removes the record stored under key.
func (s *BoltStore) Take(key Key) (*Record, error) {
	s.Lock()
	defer s.Unlock()

	if s.db == nil {
		return nil, ErrStoreClosed
	}

	var rec *Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(recordBucket)

		v := bucket.Get(key[:])
		if v == nil {
			return ErrNotFound
		}

		var err error
		rec, err = decodeRecord(v)
		if err != nil {
			return fmt.Errorf("unable to decode record: %w", err)
		}

		return bucket.Delete(key[:])
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// Expire removes all records created before cutoff.
func (s *BoltStore) Expire(cutoff time.Time) (int, error) {
	s.Lock()
	defer s.Unlock()

	if s.db == nil {
		return 0, ErrStoreClosed
	}

	var numExpired int
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(recordBucket)

		// Keys are collected first, a bucket must not be modified
		// while it is being iterated.
		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				log.Warnf("Dropping undecodable record %x: %v",
					k, err)
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}

			if rec.CreatedAt.Before(cutoff) {
				expired = append(expired, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		numExpired = len(expired)

		return nil
	})
	if err != nil {
		return 0, err
	}

	return numExpired, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	s.Lock()
	defer s.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	return err
}
