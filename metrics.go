package onion

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "onion"
	packetSubsystem  = "packet"
	ackSubsystem     = "ack"
)

var (
	packetsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: packetSubsystem,
			Name:      "received_total",
			Help:      "Number of received packets",
		},
	)
	packetsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: packetSubsystem,
			Name:      "forwarded_total",
			Help:      "Number of packets forwarded to the next hop",
		},
	)
	packetsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: packetSubsystem,
			Name:      "delivered_total",
			Help:      "Number of packets delivered to this node",
		},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: packetSubsystem,
			Name:      "dropped_total",
			Help:      "Number of dropped packets",
		},
		[]string{"reason"},
	)
	acksReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: ackSubsystem,
			Name:      "received_total",
			Help:      "Number of received acknowledgements",
		},
	)
	acksRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: ackSubsystem,
			Name:      "rejected_total",
			Help:      "Number of rejected acknowledgements",
		},
	)
	pendingExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: ackSubsystem,
			Name:      "expired_total",
			Help:      "Number of pending transactions never acknowledged",
		},
	)
)

func init() {
	prometheus.MustRegister(packetsReceived)
	prometheus.MustRegister(packetsForwarded)
	prometheus.MustRegister(packetsDelivered)
	prometheus.MustRegister(packetsDropped)
	prometheus.MustRegister(acksReceived)
	prometheus.MustRegister(acksRejected)
	prometheus.MustRegister(pendingExpired)
}

// dropReason maps a processing error to the label of the dropped packets
// counter.
func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrReplay):
		return "replay"
	case errors.Is(err, ErrForgedHeader):
		return "forged_header"
	case errors.Is(err, ErrInvalidChallenge):
		return "invalid_challenge"
	case errors.Is(err, ErrInvalidTransaction):
		return "invalid_transaction"
	case errors.Is(err, ErrInvalidLength):
		return "malformed"
	default:
		return "other"
	}
}

// RecordExpired adds n to the number of pending transactions that were never
// acknowledged.
func RecordExpired(n int) {
	pendingExpired.Add(float64(n))
}
