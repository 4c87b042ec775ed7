// Package orchestrator drives the fixed per-tick pipeline that glues
// every subsystem together (spec.md §4.8): drain ingress, update
// channels, decode CAN, evaluate math, alerts and health, process lap
// timing, resolve the display, and sweep the logger.
package orchestrator

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rakyury/racedash/internal/alert"
	"github.com/rakyury/racedash/internal/bus"
	"github.com/rakyury/racedash/internal/can"
	"github.com/rakyury/racedash/internal/channel"
	"github.com/rakyury/racedash/internal/display"
	"github.com/rakyury/racedash/internal/ingress"
	"github.com/rakyury/racedash/internal/laptimer"
	mathengine "github.com/rakyury/racedash/internal/math"
	"github.com/rakyury/racedash/internal/metrics"
	"github.com/rakyury/racedash/pkg/geo"
)

// CanRxChannel resolves one registered CanRx channel's decode parameters;
// the orchestrator looks this up once per frame field to drive the codec.
type CanRxChannel struct {
	ChannelID uint16
	MessageID uint32
	Extended  bool
	StartBit  uint32
	BitLength uint32
	DataType  channel.CanDataType
	ByteOrder channel.ByteOrder
	Scale     float32
	Offset    float32
}

// LogSweeper is the narrow interface the logger exposes to the
// orchestrator's per-tick sweep step (spec.md §4.9).
type LogSweeper interface {
	Sweep(reg *channel.Registry, nowMS uint64)
}

// GpsSource supplies the most recent GPS fix, if a new one has arrived
// since the last tick (spec.md §4.8: "if a new GPS fix arrived").
type GpsSource interface {
	PollFix() (laptimer.Fix, bool)
}

// Orchestrator owns every subsystem instance and drives them through the
// fixed per-tick sequence (spec.md §4.8). It is the single owning thread
// for the signal bus (spec.md §4.1's concurrency contract).
type Orchestrator struct {
	Bus      *bus.Bus
	Ingress  *ingress.Queue
	Channels *channel.Registry
	Math     *mathengine.Engine
	Alerts   *alert.Monitor
	Health   *alert.HealthMonitor
	LapTimer *laptimer.Timer
	Display  *display.Machine
	Logger   LogSweeper
	Gps      GpsSource

	CanChannels []CanRxChannel

	// Metrics is optional; when set, Tick records its duration and
	// reconciles the ingress/codec/bus drop counters each pass
	// (spec.md SPEC_FULL.md ambient observability note).
	Metrics *metrics.Registry

	log       *log.Logger
	lastTick  time.Time
	latestFix *laptimer.Fix
	sampler   *metrics.Sampler
}

// UseMetrics installs a metrics registry that Tick reports to.
func (o *Orchestrator) UseMetrics(reg *metrics.Registry) {
	o.Metrics = reg
	o.sampler = metrics.NewSampler(reg)
}

// New wires a complete orchestrator from its already-constructed
// subsystem instances (spec.md §3.7: subsystems are created at boot).
func New(b *bus.Bus, in *ingress.Queue, reg *channel.Registry, me *mathengine.Engine, am *alert.Monitor, hm *alert.HealthMonitor, lt *laptimer.Timer, dm *display.Machine, logger LogSweeper, gps GpsSource, logOut *log.Logger) *Orchestrator {
	return &Orchestrator{
		Bus:      b,
		Ingress:  in,
		Channels: reg,
		Math:     me,
		Alerts:   am,
		Health:   hm,
		LapTimer: lt,
		Display:  dm,
		Logger:   logger,
		Gps:      gps,
		log:      logOut,
	}
}

// Tick runs exactly one pass of the fixed pipeline (spec.md §4.8). No
// other ordering is permitted; callers must not invoke Tick concurrently
// with itself.
func (o *Orchestrator) Tick(nowMS uint64) {
	start := time.Now()
	deltaMS := o.tickDelta(nowMS)

	o.drainIngress(nowMS)
	o.Channels.Process(uint64(deltaMS))
	o.drainCanRx(nowMS)
	o.Math.Evaluate(nowMS, deltaMS)
	o.Alerts.Evaluate(o.Bus, nowMS)
	o.Health.Evaluate(o.Bus, nowMS)
	o.processLapTimer(nowMS)
	o.Display.Tick(o.Bus)
	if o.Logger != nil {
		o.Logger.Sweep(o.Channels, nowMS)
	}

	if o.Metrics != nil {
		o.Metrics.TickDuration.Observe(time.Since(start).Seconds())
		o.sampler.Sample(metrics.Sources{
			IngressDropped: o.Ingress.Dropped,
			CodecErrors:    can.ErrorCount,
			CapacityReject: o.Bus.CapacityRejects,
		})
	}
}

func (o *Orchestrator) tickDelta(nowMS uint64) float64 {
	now := time.UnixMilli(int64(nowMS))
	if o.lastTick.IsZero() {
		o.lastTick = now
		return 0
	}
	d := now.Sub(o.lastTick).Seconds() * 1000.0
	o.lastTick = now
	return d
}

// drainIngress moves every queued producer item into the bus
// (spec.md §4.1: producers write to a queue, never the bus directly).
func (o *Orchestrator) drainIngress(nowMS uint64) {
	for _, item := range o.Ingress.Drain() {
		switch item.Kind {
		case ingress.KindNumericSet:
			o.Bus.SetNumeric(item.Name, item.NumValue, item.NowMS)
		case ingress.KindDigitalSet:
			o.Bus.SetDigital(item.Name, item.BoolValue, item.NowMS)
		case ingress.KindCanRxFrame:
			o.decodeCanFrame(item.Frame)
		case ingress.KindGpsFix:
			// GPS fixes are handed to the lap timer stage rather than
			// staged through the bus (spec.md §4.8: "lap_timer.process
			// (gps_snapshot)"); the last fix drained this tick wins.
			fix := item.Fix
			o.latestFix = &laptimer.Fix{
				Point:     geo.Point{Lat: fix.Lat, Lon: fix.Lon},
				SpeedMS:   fix.SpeedMS,
				HeadingDg: fix.HeadingDg,
				NowMS:     fix.NowMS,
			}
		}
	}
}

// drainCanRx is a placeholder hook matching spec.md §4.8's pipeline
// position; CAN frames are decoded as they arrive during ingress drain
// above rather than buffered separately, since the codec never blocks.
func (o *Orchestrator) drainCanRx(nowMS uint64) {
	_ = nowMS
}

func (o *Orchestrator) decodeCanFrame(f ingress.CanFrame) {
	for _, rx := range o.CanChannels {
		if rx.MessageID != f.ID || rx.Extended != f.Extended {
			continue
		}
		value := can.ExtractSignal(f.Data[:f.DLC], rx.StartBit, rx.BitLength, rx.ByteOrder, rx.DataType, rx.Scale, rx.Offset)
		if err := o.Channels.SetValue(rx.ChannelID, value); err != nil && o.log != nil {
			o.log.Printf("[orchestrator] can channel %d: %v", rx.ChannelID, err)
		}
	}
}

// processLapTimer feeds the lap timer the most recent GPS fix, preferring
// an explicit GpsSource (used by tests and by sources that bypass the
// ingress queue) over the fix captured from this tick's ingress drain.
func (o *Orchestrator) processLapTimer(nowMS uint64) {
	if o.LapTimer == nil {
		return
	}

	var fix laptimer.Fix
	var ok bool
	if o.Gps != nil {
		fix, ok = o.Gps.PollFix()
	} else if o.latestFix != nil {
		fix, ok = *o.latestFix, true
		o.latestFix = nil
	}
	if !ok {
		return
	}
	if err := o.LapTimer.Process(fix, o.Bus); err != nil && o.log != nil {
		o.log.Printf("[orchestrator] lap timer: %v", err)
	}
}

// Run drives Tick on a fixed period until ctx is cancelled, supervising
// the orchestrator as one task within the fixed cooperative task set
// alongside any caller-supplied background tasks (spec.md §5: "a small
// fixed set of cooperative tasks").
func Run(ctx context.Context, o *Orchestrator, period time.Duration, extraTasks ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case t := <-ticker.C:
				o.Tick(uint64(t.UnixMilli()))
			}
		}
	})

	for _, task := range extraTasks {
		task := task
		g.Go(func() error { return task(gctx) })
	}

	return g.Wait()
}
