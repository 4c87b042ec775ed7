// Package ingress implements the bounded, lock-free-from-the-producer's-
// perspective MPSC queue described in spec.md §4.1 and §6: peripheral
// goroutines (CAN ISR equivalent, ADC poller, GPS UART reader) publish
// tagged items here instead of touching the signal bus directly; the
// orchestrator drains the queue once at the start of every tick.
//
// Grounded on the teacher's buffered-channel producer/consumer pattern
// (cmd/agent-j1939/bus.go's framesCh / dtcChan): a fixed-capacity buffered
// channel with a non-blocking send that drops and counts on overflow.
package ingress

import (
	"sync/atomic"
	"time"
)

// Kind tags the variant carried by an Item.
type Kind int

const (
	KindNumericSet Kind = iota
	KindDigitalSet
	KindCanRxFrame
	KindGpsFix
)

// CanFrame mirrors the CAN frame contract of spec.md §6.
type CanFrame struct {
	Iface    string
	ID       uint32
	Extended bool
	FD       bool
	BRS      bool
	RTR      bool
	DLC      uint8
	Data     [64]byte
	NowMS    uint64
}

// GpsFix mirrors the GPS snapshot contract of spec.md §6.
type GpsFix struct {
	Lat       float64
	Lon       float64
	Alt       float64
	SpeedMS   float64
	HeadingDg float64
	Sats      int
	FixType   int
	HDOP      float64
	UtcMS     uint64
	NowMS     uint64
}

// Item is a single tagged ingress-queue entry.
type Item struct {
	Kind Kind

	// KindNumericSet / KindDigitalSet
	Name      string
	NumValue  float64
	BoolValue bool
	NowMS     uint64

	// KindCanRxFrame
	Frame CanFrame

	// KindGpsFix
	Fix GpsFix
}

// Queue is a bounded many-producer/single-consumer channel of Items.
type Queue struct {
	items   chan Item
	dropped uint64 // atomic: items discarded because the queue was full
}

// New creates a queue with the given buffer capacity.
func New(capacity int) *Queue {
	return &Queue{items: make(chan Item, capacity)}
}

// PublishNumeric enqueues a NumericSet item. Returns false if the queue is
// full; the caller (a producer goroutine) must never block on this.
func (q *Queue) PublishNumeric(name string, value float64, now time.Time) bool {
	return q.tryPush(Item{Kind: KindNumericSet, Name: name, NumValue: value, NowMS: uint64(now.UnixMilli())})
}

// PublishDigital enqueues a DigitalSet item.
func (q *Queue) PublishDigital(name string, value bool, now time.Time) bool {
	return q.tryPush(Item{Kind: KindDigitalSet, Name: name, BoolValue: value, NowMS: uint64(now.UnixMilli())})
}

// PublishCanFrame enqueues a decoded-ready raw CAN frame.
func (q *Queue) PublishCanFrame(frame CanFrame) bool {
	return q.tryPush(Item{Kind: KindCanRxFrame, Frame: frame})
}

// PublishGpsFix enqueues a GPS fix snapshot.
func (q *Queue) PublishGpsFix(fix GpsFix) bool {
	return q.tryPush(Item{Kind: KindGpsFix, Fix: fix})
}

func (q *Queue) tryPush(item Item) bool {
	select {
	case q.items <- item:
		return true
	default:
		atomic.AddUint64(&q.dropped, 1)
		return false
	}
}

// Dropped returns the running count of items discarded because the queue
// was full when a producer tried to publish (spec.md §4.1: producers
// must never block; overflow is counted instead).
func (q *Queue) Dropped() uint64 {
	return atomic.LoadUint64(&q.dropped)
}

// Drain removes and returns every item currently buffered, without
// blocking. Called once per tick by the orchestrator.
func (q *Queue) Drain() []Item {
	var out []Item
	for {
		select {
		case item := <-q.items:
			out = append(out, item)
		default:
			return out
		}
	}
}
