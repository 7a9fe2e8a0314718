// Package config provides the onion node configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"
)

// DefaultMaxConcurrentPackets is the default number of packets and
// acknowledgements a dispatcher processes at once.
const DefaultMaxConcurrentPackets = 64

const (
	defaultRelayFee          = 10
	defaultAckTimeout        = 600 // 10 min.
	defaultExpiryInterval    = 60  // 1 min.
	defaultLogLevel          = "info"
	defaultMaxLogFileSize    = 10 // 10 MB.
	defaultMaxLogFiles       = 3
	defaultBloomLn2          = 23
	defaultFalsePositiveRate = 0.001

	// BackendMemory keeps state in memory only.
	BackendMemory = "memory"

	// BackendBolt persists state in a bbolt database under the data
	// directory.
	BackendBolt = "bolt"

	replayDBName  = "replay.db"
	pendingDBName = "pending.db"
)

// Node is the identity and payment configuration of a node.
type Node struct {
	// PrivateKey is the hex encoded secp256k1 identity key.
	PrivateKey string

	// DataDir is the directory the persistent backends store their
	// databases in.
	DataDir string

	// RelayFee is the amount a relay keeps from each transaction it
	// forwards.
	RelayFee uint64

	// AckTimeout is the number of seconds a pending transaction waits for
	// its acknowledgement before it is dropped.
	AckTimeout int
}

func (nCfg *Node) applyDefaults() {
	if nCfg.RelayFee == 0 {
		nCfg.RelayFee = defaultRelayFee
	}
	if nCfg.AckTimeout <= 0 {
		nCfg.AckTimeout = defaultAckTimeout
	}
}

func (nCfg *Node) validate() error {
	if nCfg.PrivateKey == "" {
		return errors.New("config: Node: PrivateKey is not set")
	}
	if _, err := nCfg.Key(); err != nil {
		return err
	}

	return nil
}

// Key decodes the identity key.
func (nCfg *Node) Key() (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(nCfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("config: Node: PrivateKey is invalid: %w",
			err)
	}
	if len(b) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("config: Node: PrivateKey must be %d "+
			"bytes, got %d", btcec.PrivKeyBytesLen, len(b))
	}

	priv, _ := btcec.PrivKeyFromBytes(b)

	return priv, nil
}

// AckTimeoutDuration returns AckTimeout as a time.Duration.
func (nCfg *Node) AckTimeoutDuration() time.Duration {
	return time.Duration(nCfg.AckTimeout) * time.Second
}

// Logging is the logging configuration.
type Logging struct {
	// Level is either a single level applied to every subsystem, or a
	// comma separated list of <subsystem>=<level> pairs.
	Level string

	// File specifies the log file, if omitted logs only go to stderr.
	File string

	// MaxLogFileSize is the maximum size of a log file in MB before it is
	// rotated.
	MaxLogFileSize int

	// MaxLogFiles is the number of rotated log files to keep.
	MaxLogFiles int
}

func (lCfg *Logging) applyDefaults() {
	if lCfg.Level == "" {
		lCfg.Level = defaultLogLevel
	}
	if lCfg.MaxLogFileSize <= 0 {
		lCfg.MaxLogFileSize = defaultMaxLogFileSize
	}
	if lCfg.MaxLogFiles <= 0 {
		lCfg.MaxLogFiles = defaultMaxLogFiles
	}
}

func (lCfg *Logging) validate() error {
	for _, entry := range strings.Split(lCfg.Level, ",") {
		lvl := entry
		if fields := strings.SplitN(entry, "=", 2); len(fields) == 2 {
			lvl = fields[1]
		}

		if _, ok := btclog.LevelFromString(lvl); !ok {
			return fmt.Errorf("config: Logging: Level '%v' is "+
				"invalid", lvl)
		}
	}

	return nil
}

// Replay is the replay log configuration.
type Replay struct {
	// Backend is either "memory" or "bolt".
	Backend string

	// BloomLn2 is the log2 of the pre-filter size in bits.
	BloomLn2 int

	// FalsePositiveRate is the target false positive rate of the
	// pre-filter.
	FalsePositiveRate float64
}

func (rCfg *Replay) applyDefaults() {
	if rCfg.Backend == "" {
		rCfg.Backend = BackendBolt
	}
	if rCfg.BloomLn2 == 0 {
		rCfg.BloomLn2 = defaultBloomLn2
	}
	if rCfg.FalsePositiveRate == 0 {
		rCfg.FalsePositiveRate = defaultFalsePositiveRate
	}
}

func (rCfg *Replay) validate() error {
	if err := validateBackend("Replay", rCfg.Backend); err != nil {
		return err
	}
	if rCfg.BloomLn2 < 10 || rCfg.BloomLn2 > 34 {
		return fmt.Errorf("config: Replay: BloomLn2 %d out of range",
			rCfg.BloomLn2)
	}
	if rCfg.FalsePositiveRate <= 0 || rCfg.FalsePositiveRate >= 1 {
		return fmt.Errorf("config: Replay: FalsePositiveRate %v out of "+
			"range", rCfg.FalsePositiveRate)
	}

	return nil
}

// Pending is the pending transaction store configuration.
type Pending struct {
	// Backend is either "memory" or "bolt".
	Backend string

	// ExpiryInterval is the number of seconds between two sweeps of
	// expired records.
	ExpiryInterval int
}

func (pCfg *Pending) applyDefaults() {
	if pCfg.Backend == "" {
		pCfg.Backend = BackendBolt
	}
	if pCfg.ExpiryInterval <= 0 {
		pCfg.ExpiryInterval = defaultExpiryInterval
	}
}

func (pCfg *Pending) validate() error {
	return validateBackend("Pending", pCfg.Backend)
}

// ExpiryIntervalDuration returns ExpiryInterval as a time.Duration.
func (pCfg *Pending) ExpiryIntervalDuration() time.Duration {
	return time.Duration(pCfg.ExpiryInterval) * time.Second
}

// Dispatcher is the packet dispatcher configuration.
type Dispatcher struct {
	// MaxConcurrentPackets bounds the number of packets processed at
	// once.
	MaxConcurrentPackets int
}

func (dCfg *Dispatcher) applyDefaults() {
	if dCfg.MaxConcurrentPackets <= 0 {
		dCfg.MaxConcurrentPackets = DefaultMaxConcurrentPackets
	}
}

func validateBackend(section, backend string) error {
	switch backend {
	case BackendMemory, BackendBolt:
		return nil
	default:
		return fmt.Errorf("config: %v: Backend '%v' is invalid",
			section, backend)
	}
}

// Config is the top level node configuration.
type Config struct {
	Node       *Node
	Logging    *Logging
	Replay     *Replay
	Pending    *Pending
	Dispatcher *Dispatcher
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (cfg *Config) FixupAndValidate() error {
	// The Node section is mandatory, everything else is optional.
	if cfg.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Replay == nil {
		cfg.Replay = &Replay{}
	}
	if cfg.Pending == nil {
		cfg.Pending = &Pending{}
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = &Dispatcher{}
	}

	cfg.Node.applyDefaults()
	cfg.Logging.applyDefaults()
	cfg.Replay.applyDefaults()
	cfg.Pending.applyDefaults()
	cfg.Dispatcher.applyDefaults()

	if err := cfg.Node.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Replay.validate(); err != nil {
		return err
	}
	if err := cfg.Pending.validate(); err != nil {
		return err
	}

	needsDataDir := cfg.Replay.Backend == BackendBolt ||
		cfg.Pending.Backend == BackendBolt
	if needsDataDir && !filepath.IsAbs(cfg.Node.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an "+
			"absolute path", cfg.Node.DataDir)
	}

	return nil
}

// SetLogLevel replaces the configured log level, after validating it the way
// the Logging section is validated.
func (cfg *Config) SetLogLevel(level string) error {
	override := &Logging{Level: level}
	if err := override.validate(); err != nil {
		return err
	}
	cfg.Logging.Level = level

	return nil
}

// ReplayDBPath returns the path of the replay log database.
func (cfg *Config) ReplayDBPath() string {
	return filepath.Join(cfg.Node.DataDir, replayDBName)
}

// PendingDBPath returns the path of the pending store database.
func (cfg *Config) PendingDBPath() string {
	return filepath.Join(cfg.Node.DataDir, pendingDBName)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config "+
			"file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}

	return Load(b)
}
