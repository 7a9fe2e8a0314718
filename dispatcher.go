package onion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/sync/semaphore"

	"github.com/ellemouton/onion/config"
)

var (
	// ErrUnknownProtocol is returned for streams of a protocol the
	// dispatcher does not serve.
	ErrUnknownProtocol = errors.New("onion: unknown protocol")

	// ErrDispatcherStopped is returned when a stopped dispatcher is used.
	ErrDispatcherStopped = errors.New("onion: dispatcher stopped")
)

// DispatcherConfig holds the dependencies of a Dispatcher.
type DispatcherConfig struct {
	// Node processes every packet and acknowledgement.
	Node *Node

	// Transport sends forwarded packets and acknowledgements.
	Transport Transport

	// MaxConcurrentPackets bounds the number of frames processed at once.
	MaxConcurrentPackets int

	// Deliver is called with every packet addressed to this node.
	Deliver func(*ForwardResult)

	// Settle is called with every transaction settled by an
	// acknowledgement.
	Settle func(*AcknowledgedTransaction)
}

// NewDispatcherConfig returns the configuration of a dispatcher for node that
// uses the limits of the given config section.
func NewDispatcherConfig(node *Node, transport Transport,
	cfg *config.Dispatcher) *DispatcherConfig {

	return &DispatcherConfig{
		Node:                 node,
		Transport:            transport,
		MaxConcurrentPackets: cfg.MaxConcurrentPackets,
	}
}

// Dispatcher runs ForwardTransform on inbound packets and
// HandleAcknowledgement on inbound acknowledgements. Every frame is handled in
// its own goroutine; a failing frame is logged and dropped without affecting
// the others.
type Dispatcher struct {
	cfg *DispatcherConfig
	sem *semaphore.Weighted

	started sync.Once
	stopped sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards quitting, so that no handler is added to wg once Stop
	// started waiting on it.
	mu       sync.Mutex
	quitting bool
	wg       sync.WaitGroup
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(cfg *DispatcherConfig) *Dispatcher {
	if cfg.MaxConcurrentPackets <= 0 {
		cfg.MaxConcurrentPackets = config.DefaultMaxConcurrentPackets
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentPackets)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the dispatcher.
func (d *Dispatcher) Start() error {
	d.started.Do(func() {
		log.Infof("Dispatcher for %x starting",
			d.cfg.Node.PubKey().SerializeCompressed())
	})

	return nil
}

// Stop cancels in-flight sends and waits for every handler to return.
func (d *Dispatcher) Stop() error {
	d.stopped.Do(func() {
		log.Infof("Dispatcher shutting down")

		d.mu.Lock()
		d.quitting = true
		d.mu.Unlock()

		d.cancel()
		d.wg.Wait()
	})

	return nil
}

// SendPacket sends a packet to the given peer.
func (d *Dispatcher) SendPacket(ctx context.Context, p *Packet,
	to *btcec.PublicKey) error {

	return d.send(ctx, to, ProtocolPacket, p.Bytes())
}

func (d *Dispatcher) send(ctx context.Context, to *btcec.PublicKey,
	protocol string, frame []byte) error {

	if err := d.cfg.Transport.FindPeer(ctx, to); err != nil {
		return fmt.Errorf("unable to find peer %x: %w",
			to.SerializeCompressed(), err)
	}

	stream, err := d.cfg.Transport.Dial(ctx, to, protocol)
	if err != nil {
		return fmt.Errorf("unable to dial peer %x: %w",
			to.SerializeCompressed(), err)
	}
	defer stream.Close()

	if _, err := stream.Write(frame); err != nil {
		return fmt.Errorf("unable to write %v frame: %w", protocol,
			err)
	}

	return nil
}

// ServeStream reads one frame of the given protocol sent by from and hands it
// to a handler goroutine. It blocks while MaxConcurrentPackets frames are
// being processed.
func (d *Dispatcher) ServeStream(from *btcec.PublicKey, protocol string,
	r io.Reader) error {

	var (
		size    int
		handler func(*btcec.PublicKey, []byte)
	)
	switch protocol {
	case ProtocolPacket:
		size = PacketSize
		handler = d.handlePacket

	case ProtocolAck:
		size = AcknowledgementSize
		handler = d.handleAck

	default:
		return fmt.Errorf("%w: %v", ErrUnknownProtocol, protocol)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return fmt.Errorf("unable to read %v frame: %w", protocol, err)
	}

	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		return ErrDispatcherStopped
	}

	d.mu.Lock()
	if d.quitting {
		d.mu.Unlock()
		d.sem.Release(1)

		return ErrDispatcherStopped
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)

		handler(from, frame)
	}()

	return nil
}

// handlePacket processes one inbound packet.
func (d *Dispatcher) handlePacket(from *btcec.PublicKey, frame []byte) {
	packetsReceived.Inc()

	p, err := PacketFromBytes(frame)
	if err != nil {
		d.dropPacket(from, err)
		return
	}

	res, err := p.ForwardTransform(d.cfg.Node, from)
	if err != nil {
		d.dropPacket(from, err)
		return
	}

	err = d.send(d.ctx, from, ProtocolAck, res.Ack.Bytes())
	if err != nil {
		log.Warnf("Unable to acknowledge packet from %x: %v",
			from.SerializeCompressed(), err)
	}

	switch res.Action {
	case ActionDeliver:
		packetsDelivered.Inc()

		log.Debugf("Delivered packet from %x, identifier %x",
			from.SerializeCompressed(), res.Identifier)

		if d.cfg.Deliver != nil {
			d.cfg.Deliver(res)
		}

	case ActionForward:
		if err := d.SendPacket(d.ctx, p, res.NextHop); err != nil {
			log.Errorf("Unable to forward packet to %x: %v",
				res.NextHop.SerializeCompressed(), err)
			return
		}

		packetsForwarded.Inc()

		log.Debugf("Forwarded packet from %x to %x",
			from.SerializeCompressed(),
			res.NextHop.SerializeCompressed())
	}
}

func (d *Dispatcher) dropPacket(from *btcec.PublicKey, err error) {
	packetsDropped.WithLabelValues(dropReason(err)).Inc()

	log.Infof("Dropping packet from %x: %v", from.SerializeCompressed(),
		err)
}

// handleAck processes one inbound acknowledgement.
func (d *Dispatcher) handleAck(from *btcec.PublicKey, frame []byte) {
	acksReceived.Inc()

	ack, err := AcknowledgementFromBytes(frame)
	if err != nil {
		acksRejected.Inc()
		log.Infof("Dropping malformed acknowledgement: %v", err)
		return
	}

	acked, err := HandleAcknowledgement(d.cfg.Node, ack, from)
	if err != nil {
		acksRejected.Inc()
		log.Infof("Rejecting acknowledgement from %x: %v",
			from.SerializeCompressed(), err)
		return
	}

	if d.cfg.Settle != nil {
		d.cfg.Settle(acked)
	}
}
