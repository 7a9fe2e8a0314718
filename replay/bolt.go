package replay

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/yawning/bloom"
	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultBloomLn2 is the default log2 of the bloom filter size in
	// bits (1 MiB).
	DefaultBloomLn2 = 23

	// DefaultFalsePositiveRate is the default target false positive rate
	// of the bloom filter.
	DefaultFalsePositiveRate = 0.001

	// dbPermissions sets the database permissions to user write-and-readable.
	dbPermissions = 0600
)

var (
	// tagBucket houses every replay tag a node has seen, mapped to the
	// unix time it was first recorded.
	tagBucket = []byte("replay-tags")

	dbOptions = &bolt.Options{
		Timeout:        time.Second,
		NoFreelistSync: true,
	}
)

// BloomConfig sizes the in-memory pre-filter of a BoltLog.
type BloomConfig struct {
	// Ln2 is the log2 of the filter size in bits.
	Ln2 int

	// FalsePositiveRate is the target false positive rate at capacity.
	FalsePositiveRate float64
}

// DefaultBloomConfig returns the default pre-filter sizing.
func DefaultBloomConfig() BloomConfig {
	return BloomConfig{
		Ln2:               DefaultBloomLn2,
		FalsePositiveRate: DefaultFalsePositiveRate,
	}
}

// BoltLog is a persistent Log. Tags are stored in a bbolt bucket so that a
// restarted node still refuses packets it processed before the restart. A bloom
// filter in front of the database answers the common "never seen" case
// without a read; a positive filter answer is always confirmed on disk.
type BoltLog struct {
	mu sync.Mutex

	dbPath string
	cfg    BloomConfig

	db     *bolt.DB
	filter *bloom.Filter

	// saturated is set once the filter reached its capacity, after which
	// every lookup goes to disk.
	saturated bool
}

// A compile time check to ensure BoltLog implements the Log interface.
var _ Log = (*BoltLog)(nil)

// NewBoltLog creates a new persistent log stored at dbPath.
func NewBoltLog(dbPath string, cfg BloomConfig) *BoltLog {
	return &BoltLog{
		dbPath: dbPath,
		cfg:    cfg,
	}
}

// Start opens the database and rebuilds the pre-filter from the stored tags.
func (b *BoltLog) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db != nil {
		return nil
	}

	db, err := bolt.Open(b.dbPath, dbPermissions, dbOptions)
	if err != nil {
		return fmt.Errorf("unable to open replay log: %w", err)
	}

	filter, err := bloom.New(rand.Reader, b.cfg.Ln2, b.cfg.FalsePositiveRate)
	if err != nil {
		db.Close()
		return fmt.Errorf("unable to create bloom filter: %w", err)
	}

	var numTags int
	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(tagBucket)
		if err != nil {
			return err
		}

		return bucket.ForEach(func(k, _ []byte) error {
			numTags++
			filter.TestAndSet(k)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("unable to load replay tags: %w", err)
	}

	b.db = db
	b.filter = filter
	b.saturated = filter.Entries() >= filter.MaxEntries()

	log.Infof("Replay log opened at %v with %d known tags", b.dbPath,
		numTags)

	return nil
}

// Stop closes the database.
func (b *BoltLog) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}

	err := b.db.Close()
	b.db = nil
	b.filter = nil

	return err
}

// TestAndSet records the tag and reports whether it was already present.
func (b *BoltLog) TestAndSet(tag Tag) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return false, ErrLogNotStarted
	}

	// The filter has no false negatives, so only a positive answer needs
	// to be confirmed against the database.
	maybeSeen := b.saturated || b.filter.Test(tag[:])

	var seen bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tagBucket)
		if maybeSeen && bucket.Get(tag[:]) != nil {
			seen = true
			return nil
		}

		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(time.Now().Unix()))

		return bucket.Put(tag[:], ts[:])
	})
	if err != nil {
		return false, err
	}

	if seen {
		return true, nil
	}

	if !b.saturated {
		b.filter.TestAndSet(tag[:])
		if b.filter.Entries() >= b.filter.MaxEntries() {
			log.Warnf("Replay bloom filter saturated after %d "+
				"entries, falling back to disk lookups",
				b.filter.Entries())
			b.saturated = true
		}
	}

	return false, nil
}
