package cipc

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// PacketMetrics counts HCI traffic per packet kind.
type PacketMetrics struct {
	rxPackets []metrics.Counter
	rxBytes   []metrics.Counter
	txPackets []metrics.Counter
	txBytes   []metrics.Counter
	txErrors  []metrics.Counter

	rxDropped metrics.Counter
	rxUnknown metrics.Counter
	txUnknown metrics.Counter
}

func (m *PacketMetrics) Rx(k PacketKind, n int) {
	if m != nil {
		if int(k) < len(m.rxPackets) && m.rxPackets[k] != nil {
			m.rxPackets[k].Inc(1)
			m.rxBytes[k].Inc(int64(n))
		} else if m.rxUnknown != nil {
			m.rxUnknown.Inc(1)
		}
	}
}

func (m *PacketMetrics) Tx(k PacketKind, n int) {
	if m != nil {
		if int(k) < len(m.txPackets) && m.txPackets[k] != nil {
			m.txPackets[k].Inc(1)
			m.txBytes[k].Inc(int64(n))
		} else if m.txUnknown != nil {
			m.txUnknown.Inc(1)
		}
	}
}

func (m *PacketMetrics) TxError(k PacketKind) {
	if m != nil {
		if int(k) < len(m.txErrors) && m.txErrors[k] != nil {
			m.txErrors[k].Inc(1)
		} else if m.txUnknown != nil {
			m.txUnknown.Inc(1)
		}
	}
}

// Dropped counts frames that arrived while nobody was listening.
func (m *PacketMetrics) Dropped() {
	if m != nil && m.rxDropped != nil {
		m.rxDropped.Inc(1)
	}
}

func newPacketMetrics() *PacketMetrics {
	gen := func(t, n string) []metrics.Counter {
		c := make([]metrics.Counter, PacketEvent+1)
		for k := PacketCommand; k <= PacketEvent; k++ {
			c[k] = metrics.GetOrRegisterCounter(fmt.Sprintf("packets.%s.%s.%s", t, k, n), nil)
		}
		return c
	}
	return &PacketMetrics{
		rxPackets: gen("rx", "packets"),
		rxBytes:   gen("rx", "bytes"),
		txPackets: gen("tx", "packets"),
		txBytes:   gen("tx", "bytes"),
		txErrors:  gen("tx", "errors"),

		rxDropped: metrics.GetOrRegisterCounter("packets.rx.dropped", nil),
		rxUnknown: metrics.GetOrRegisterCounter("packets.rx.other", nil),
		txUnknown: metrics.GetOrRegisterCounter("packets.tx.other", nil),
	}
}

// ringMetrics are the counters of one ring.
type ringMetrics struct {
	enqueued   metrics.Counter
	full       metrics.Counter
	acks       metrics.Counter
	events     metrics.Counter
	dropped    metrics.Counter
	leakedIDs  metrics.Counter
	violations metrics.Counter
}

func newRingMetrics(name string) *ringMetrics {
	gen := func(n string) metrics.Counter {
		return metrics.GetOrRegisterCounter(fmt.Sprintf("ring.%s.%s", name, n), nil)
	}
	return &ringMetrics{
		enqueued:   gen("enqueued"),
		full:       gen("full"),
		acks:       gen("acks"),
		events:     gen("events"),
		dropped:    gen("dropped"),
		leakedIDs:  gen("leaked_ids"),
		violations: gen("protocol_violations"),
	}
}

func ringGaugeNames() []string {
	var names []string
	for id := TransferRingID(0); id < numTransferRings; id++ {
		names = append(names, fmt.Sprintf("ring.%s.in_flight", id))
	}
	for id := CompletionRingID(0); id < numCompletionRings; id++ {
		names = append(names, fmt.Sprintf("ring.%s.pending", id))
	}
	return names
}

// registerRingGauges exposes how full every ring is. The gauges read ring
// memory, they must be unregistered before the ring set is freed.
func registerRingGauges(rs *RingSet) {
	unregisterRingGauges()

	for _, t := range rs.transfer {
		_ = metrics.Register(fmt.Sprintf("ring.%s.in_flight", t.ID()), metrics.NewFunctionalGauge(func() int64 {
			return int64(t.Snapshot().InFlight)
		}))
	}

	for _, c := range rs.completion {
		_ = metrics.Register(fmt.Sprintf("ring.%s.pending", c.ID()), metrics.NewFunctionalGauge(func() int64 {
			s := c.Snapshot()
			n := int64(c.spec.Entries)
			return ((int64(s.Head)-int64(s.Tail))%n + n) % n
		}))
	}
}

func unregisterRingGauges() {
	for _, name := range ringGaugeNames() {
		metrics.Unregister(name)
	}
}
