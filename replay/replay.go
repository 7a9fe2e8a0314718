// Package replay provides the per-node set of replay tags a relay has already
// seen. Every onion packet yields a tag derived from the shared secret of its
// header; a relay must refuse to process the same tag twice.
package replay

import (
	"errors"
	"sync"

	"github.com/ellemouton/onion/internal/crypto"
)

// TagSize is the size of a replay tag.
const TagSize = crypto.TagLength

// Tag identifies a processed packet header.
type Tag [TagSize]byte

var (
	// ErrLogNotStarted is returned when a log is used before Start.
	ErrLogNotStarted = errors.New("replay: log not started")
)

// Log is the seen-tag set of a node. The set only grows; TestAndSet must be
// atomic with respect to concurrent callers.
type Log interface {
	// Start opens any resources the log needs.
	Start() error

	// Stop releases the resources held by the log.
	Stop() error

	// TestAndSet records the tag and reports whether it had already been
	// recorded before.
	TestAndSet(tag Tag) (bool, error)
}

// MemoryLog is a Log kept entirely in memory.
type MemoryLog struct {
	mu   sync.Mutex
	seen map[Tag]struct{}
}

// A compile time check to ensure MemoryLog implements the Log interface.
var _ Log = (*MemoryLog)(nil)

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		seen: make(map[Tag]struct{}),
	}
}

// Start is a no-op for the in-memory log.
func (m *MemoryLog) Start() error {
	return nil
}

// Stop is a no-op for the in-memory log.
func (m *MemoryLog) Stop() error {
	return nil
}

// TestAndSet records the tag and reports whether it was already present.
func (m *MemoryLog) TestAndSet(tag Tag) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[tag]; ok {
		return true, nil
	}
	m.seen[tag] = struct{}{}

	return false, nil
}

// Len returns the number of recorded tags.
func (m *MemoryLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.seen)
}
