package pending

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultExpiryInterval is how often the janitor sweeps a store by default.
const DefaultExpiryInterval = time.Minute

// JanitorConfig holds the dependencies of a Janitor.
type JanitorConfig struct {
	// Store is swept on every tick.
	Store Store

	// Timeout is the age after which an unacknowledged record is dropped.
	Timeout time.Duration

	// Ticker drives the sweeps.
	Ticker ticker.Ticker

	// Clock is used to compute the expiry cutoff.
	Clock clock.Clock

	// OnExpire, if set, is called with the number of records removed by
	// a sweep that removed at least one.
	OnExpire func(int)
}

// Janitor periodically drops records whose acknowledgement never arrived.
type Janitor struct {
	cfg *JanitorConfig

	started sync.Once
	stopped sync.Once

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewJanitor creates a new janitor. If cfg.Ticker or cfg.Clock are nil the
// defaults are used.
func NewJanitor(cfg *JanitorConfig) *Janitor {
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(DefaultExpiryInterval)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Janitor{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (j *Janitor) Start() {
	j.started.Do(func() {
		log.Debugf("Pending janitor starting, timeout=%v", j.cfg.Timeout)

		j.cfg.Ticker.Resume()

		j.wg.Add(1)
		go j.sweeper()
	})
}

// Stop terminates the sweep loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.stopped.Do(func() {
		close(j.quit)
		j.wg.Wait()
		j.cfg.Ticker.Stop()
	})
}

// sweeper is the janitor's main loop.
//
// NOTE: This MUST be run as a goroutine.
func (j *Janitor) sweeper() {
	defer j.wg.Done()

	for {
		select {
		case <-j.cfg.Ticker.Ticks():
			j.sweep()

		case <-j.quit:
			return
		}
	}
}

func (j *Janitor) sweep() {
	cutoff := j.cfg.Clock.Now().Add(-j.cfg.Timeout)

	numExpired, err := j.cfg.Store.Expire(cutoff)
	if err != nil {
		log.Errorf("Unable to expire pending records: %v", err)
		return
	}

	if numExpired == 0 {
		return
	}

	log.Infof("Expired %d unacknowledged records older than %v",
		numExpired, cutoff)

	if j.cfg.OnExpire != nil {
		j.cfg.OnExpire(numExpired)
	}
}
