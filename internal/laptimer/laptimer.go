// Package laptimer implements the GPS-driven line-crossing lap timer:
// sector/lap state machine, best-lap tracking, and the derived timing
// channels written back to the signal bus each GPS update (spec.md §4.6).
package laptimer

import (
	"errors"

	"github.com/rakyury/racedash/pkg/geo"
)

// ErrNoTrack is returned when a GPS update arrives before a track has
// been loaded or auto-detected.
var ErrNoTrack = errors.New("laptimer: no track loaded")

const maxSectors = 10

// Track is the track map: start/finish line plus up to maxSectors
// intermediate sector lines (spec.md §3.4).
type Track struct {
	Name        string
	StartFinish geo.Line
	Sectors     []geo.Line
}

// Fix is one GPS sample driving the timer (spec.md §4.6).
type Fix struct {
	Point     geo.Point
	SpeedMS   float64
	HeadingDg float64
	NowMS     uint64
}

// Lap is a completed or in-progress lap record (spec.md §3.4).
type Lap struct {
	Number     int
	TotalMS    uint64
	SectorMS   []uint64
	StartPoint geo.Point
	MaxSpeedMS float64
	AvgSpeedMS float64
	TimestampS uint64
	Valid      bool
	OutLap     bool
	InLap      bool
}

type smState int

const (
	stateNotStarted smState = iota
	stateOnLap
)

// Timer runs the crossing detector and sector/lap state machine for one
// active track, writing timing channels back to the bus.
type Timer struct {
	track *Track

	state            smState
	sectorIdx        int
	lapStartMS       uint64
	sectorStartMS    uint64
	lapNumber        int
	sectorTimesMS    []uint64
	speedSamples     []float64
	lapStartPoint    geo.Point
	sectorOutside    []bool // hysteresis-on-entry tracker, index 0 = start/finish, 1..N = sectors
	sectorOutOfOrder bool

	laps     []Lap
	bestLap  *Lap
	lastLap  *Lap
}

// New creates a lap timer with no track loaded.
func New() *Timer {
	return &Timer{state: stateNotStarted}
}

// LoadTrack installs a track and resets the state machine.
func (t *Timer) LoadTrack(tr *Track) {
	if len(tr.Sectors) > maxSectors {
		tr.Sectors = tr.Sectors[:maxSectors]
	}
	t.track = tr
	t.state = stateNotStarted
	t.sectorIdx = 0
	t.sectorOutside = make([]bool, len(tr.Sectors)+1)
	for i := range t.sectorOutside {
		t.sectorOutside[i] = true
	}
}

// AutoDetect scans known tracks and loads the first whose start/finish
// point is within 500m of the current position (spec.md §4.6).
func (t *Timer) AutoDetect(tracks []*Track, p geo.Point) bool {
	const autoDetectRadiusM = 500.0
	for _, tr := range tracks {
		if geo.HaversineMeters(p, tr.StartFinish.P1) <= autoDetectRadiusM {
			t.LoadTrack(tr)
			return true
		}
	}
	return false
}

// BusWriter is the narrow signal-bus interface the lap timer writes
// derived channels through (spec.md §4.6).
type BusWriter interface {
	SetNumeric(name string, value float64, nowMS uint64)
}

// Process advances the state machine with one new GPS fix, per spec.md
// §4.6's crossing/state-machine algorithm, and writes the derived
// lap.* channels to bus.
func (t *Timer) Process(fix Fix, bus BusWriter) error {
	if t.track == nil {
		return ErrNoTrack
	}

	t.speedSamples = append(t.speedSamples, fix.SpeedMS)

	crossedStart := t.testLine(t.track.StartFinish, fix, 0)
	if crossedStart {
		t.onStartFinishCross(fix)
	}

	for i, sec := range t.track.Sectors {
		if t.state != stateOnLap {
			break
		}
		if t.testLine(sec, fix, i+1) {
			t.onSectorCross(i, fix)
		}
	}

	t.writeChannels(bus, fix.NowMS)
	return nil
}

// testLine updates the hysteresis-on-entry tracker for line index idx
// and reports whether a crossing occurred this sample.
func (t *Timer) testLine(line geo.Line, fix Fix, idx int) bool {
	distance := geo.DistanceToSegmentMeters(fix.Point, line.P1, line.P2)
	inside := distance <= line.RadiusM
	if inside && line.RequiredHeading != 0 {
		if geo.HeadingDiffDeg(fix.HeadingDg, line.RequiredHeading) > line.ToleranceDeg {
			inside = false
		}
	}

	wasOutside := t.sectorOutside[idx]
	crossed := inside && wasOutside
	t.sectorOutside[idx] = !inside
	return crossed
}

func (t *Timer) onStartFinishCross(fix Fix) {
	if t.state == stateOnLap {
		t.closeLap(fix)
	}
	t.openLap(fix)
}

func (t *Timer) openLap(fix Fix) {
	t.state = stateOnLap
	t.sectorIdx = 0
	t.lapStartMS = fix.NowMS
	t.sectorStartMS = fix.NowMS
	t.lapNumber++
	t.lapStartPoint = fix.Point
	t.sectorTimesMS = make([]uint64, 0, len(t.track.Sectors))
	t.speedSamples = t.speedSamples[:0]
}

func (t *Timer) onSectorCross(sectorIdx int, fix Fix) {
	inOrder := sectorIdx == t.sectorIdx
	elapsed := fix.NowMS - t.sectorStartMS
	t.sectorTimesMS = append(t.sectorTimesMS, elapsed)
	if !inOrder {
		// Out-of-order sector crossings mark the lap invalid but do not
		// interrupt timing (spec.md §4.6).
		t.sectorOutOfOrder = true
	}
	t.sectorIdx = sectorIdx + 1
	t.sectorStartMS = fix.NowMS
}

func (t *Timer) closeLap(fix Fix) {
	total := fix.NowMS - t.lapStartMS
	valid := !t.sectorOutOfOrder && len(t.sectorTimesMS) == len(t.track.Sectors)

	var maxSpeed, sumSpeed float64
	for _, s := range t.speedSamples {
		if s > maxSpeed {
			maxSpeed = s
		}
		sumSpeed += s
	}
	avgSpeed := 0.0
	if len(t.speedSamples) > 0 {
		avgSpeed = sumSpeed / float64(len(t.speedSamples))
	}

	lap := Lap{
		Number:     t.lapNumber,
		TotalMS:    total,
		SectorMS:   append([]uint64(nil), t.sectorTimesMS...),
		StartPoint: t.lapStartPoint,
		MaxSpeedMS: maxSpeed,
		AvgSpeedMS: avgSpeed,
		TimestampS: fix.NowMS / 1000,
		Valid:      valid,
		OutLap:     len(t.laps) == 0,
	}

	t.laps = append(t.laps, lap)
	last := &t.laps[len(t.laps)-1]
	t.lastLap = last

	// A lap is best only if valid; ties preserve the earlier lap
	// (spec.md §4.6).
	if valid && (t.bestLap == nil || lap.TotalMS < t.bestLap.TotalMS) {
		t.bestLap = last
	}

	t.sectorOutOfOrder = false
}

// writeChannels writes the spec.md §4.6 derived signals back to the bus.
func (t *Timer) writeChannels(bus BusWriter, nowMS uint64) {
	currentS := 0.0
	if t.state == stateOnLap {
		currentS = float64(nowMS-t.lapStartMS) / 1000.0
	}
	bus.SetNumeric("lap.current_time_s", currentS, nowMS)

	if t.lastLap != nil {
		bus.SetNumeric("lap.last_time_s", float64(t.lastLap.TotalMS)/1000.0, nowMS)
	}
	if t.bestLap != nil {
		bus.SetNumeric("lap.best_time_s", float64(t.bestLap.TotalMS)/1000.0, nowMS)
	}
	bus.SetNumeric("lap.number", float64(t.lapNumber), nowMS)
	bus.SetNumeric("lap.sector", float64(t.sectorIdx), nowMS)

	bus.SetNumeric("lap.delta_ms", t.deltaMS(nowMS), nowMS)
	bus.SetNumeric("lap.predicted_ms", t.predictedMS(nowMS), nowMS)
}

// deltaMS computes the current lap time minus the best lap's time at the
// same progress point, resolved as piecewise-linear interpolation against
// the best lap's own sector-boundary cumulative times rather than a
// single global progress ratio, since sector lengths are uneven.
func (t *Timer) deltaMS(nowMS uint64) float64 {
	if t.bestLap == nil || t.state != stateOnLap {
		return 0
	}
	elapsed := float64(nowMS - t.lapStartMS)
	bestAtProgress := t.bestLap.interpolateAt(t.sectorIdx, elapsed, t.sectorStartMS, nowMS)
	return elapsed - bestAtProgress
}

// interpolateAt estimates how long the best lap took to reach the same
// in-sector progress as the current lap: cumulative time to the start of
// sectorIdx, plus the live lap's elapsed time in that sector, capped at
// the best lap's own time in that sector.
func (l *Lap) interpolateAt(sectorIdx int, liveElapsedMS float64, sectorStartMS, nowMS uint64) float64 {
	cumulative := 0.0
	for i := 0; i < sectorIdx && i < len(l.SectorMS); i++ {
		cumulative += float64(l.SectorMS[i])
	}
	if sectorIdx >= len(l.SectorMS) {
		return cumulative
	}
	inSectorElapsed := float64(nowMS - sectorStartMS)
	bestSectorMS := float64(l.SectorMS[sectorIdx])
	// Without the best lap's own in-sector GPS trace we cannot compute a
	// true spatial progress fraction; approximate with elapsed sector
	// time directly, capped at the best lap's sector duration.
	if inSectorElapsed > bestSectorMS {
		inSectorElapsed = bestSectorMS
	}
	return cumulative + inSectorElapsed
}

// predictedMS estimates the final lap time by summing completed sector
// times so far with the best lap's remaining sector times.
func (t *Timer) predictedMS(nowMS uint64) float64 {
	if t.bestLap == nil || t.state != stateOnLap {
		return 0
	}
	sum := 0.0
	for _, ms := range t.sectorTimesMS {
		sum += float64(ms)
	}
	sum += float64(nowMS - t.sectorStartMS)
	for i := len(t.sectorTimesMS); i < len(t.bestLap.SectorMS); i++ {
		sum += float64(t.bestLap.SectorMS[i])
	}
	return sum
}

// Laps returns the session's completed lap records.
func (t *Timer) Laps() []Lap { return t.laps }

// BestLap returns the session's best valid lap, or nil if none yet.
func (t *Timer) BestLap() *Lap { return t.bestLap }
