// Package logger implements the data logger: an armed/pre-trigger/
// recording state machine with a pre-trigger ring buffer, CSV and binary
// log formats, and a bbolt-backed session store (spec.md §3.6, §4.9).
package logger

import (
	"bytes"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rakyury/racedash/internal/channel"
)

// State is the data logger's lifecycle state (spec.md §4.9).
type State int

const (
	StateStopped State = iota
	StateArmed
	StatePreTrigger
	StateRecording
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateArmed:
		return "Armed"
	case StatePreTrigger:
		return "PreTrigger"
	case StateRecording:
		return "Recording"
	case StatePaused:
		return "Paused"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Sample is one logged channel value at a point in time (spec.md §3.6).
type Sample struct {
	TimestampMS uint64
	GpsUtcMS    uint64
	Sequence    uint64
	ChannelName string
	Value       float64
	IsDigital   bool
}

// Format selects the on-disk encoding for recorded samples.
type Format int

const (
	FormatCSV Format = iota
	FormatBinary
)

const binaryHeaderSize = 64
const binaryMagic = "RDLG"

// schemaHash identifies the fixed binaryRecord column layout so a reader
// can detect a layout change before misinterpreting bytes.
var schemaHash = crc32.ChecksumIEEE([]byte("ts_ms,gps_utc_ms,seq,name,value,is_digital"))

// TriggerFunc evaluates whether the recording trigger predicate fires
// this tick (manual, threshold, digital input, GPS speed, geofence —
// spec.md §4.9 leaves the predicate's shape to the integration layer).
type TriggerFunc func(reg *channel.Registry, nowMS uint64) bool

// Logger sweeps the channel registry each tick, gating sample production
// by a whitelist and per-channel sample rate, and drives the state
// machine described in spec.md §4.9.
type Logger struct {
	mu sync.Mutex

	state   State
	format  Format
	trigger TriggerFunc

	whitelist    map[string]bool
	rateHz       map[string]float64
	lastSampleMS map[string]uint64

	preTrigger     []Sample
	preTriggerCap  int
	writeBuf       []Sample
	writeBufCap    int
	flushThreshold int
	autoFlush      time.Duration
	lastFlush      time.Time
	sequence       uint64
	samplesDropped uint64

	sink    Sink
	fileSeq int
}

// Sink is where a flushed batch of samples is written — a CSV/binary
// encoder writing into a rotating file, or a bbolt session bucket.
type Sink interface {
	WriteBatch(samples []Sample) error
	Rotate() error
}

// New creates a stopped logger with the given pre-trigger ring buffer
// capacity and write-buffer flush threshold.
func New(preTriggerCap, writeBufCap int, autoFlush time.Duration, format Format, sink Sink) *Logger {
	return &Logger{
		state:          StateStopped,
		format:         format,
		whitelist:      make(map[string]bool),
		rateHz:         make(map[string]float64),
		lastSampleMS:   make(map[string]uint64),
		preTriggerCap:  preTriggerCap,
		writeBufCap:    writeBufCap,
		flushThreshold: int(float64(writeBufCap) * 0.8),
		autoFlush:      autoFlush,
		sink:           sink,
	}
}

// SetWhitelist restricts logging to the named channels; an empty
// whitelist logs every enabled channel.
func (l *Logger) SetWhitelist(names []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.whitelist = make(map[string]bool, len(names))
	for _, n := range names {
		l.whitelist[n] = true
	}
}

// SetChannelRate sets a per-channel sample rate in Hz; 0 means unrestricted.
func (l *Logger) SetChannelRate(name string, hz float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rateHz[name] = hz
}

// SetTrigger installs the predicate that fires the Armed->Recording
// transition.
func (l *Logger) SetTrigger(fn TriggerFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trigger = fn
}

// Arm transitions Stopped->Armed.
func (l *Logger) Arm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateArmed
	l.preTrigger = l.preTrigger[:0]
}

// Pause transitions Recording->Paused.
func (l *Logger) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateRecording {
		l.state = StatePaused
	}
}

// Resume transitions Paused->Recording.
func (l *Logger) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StatePaused {
		l.state = StateRecording
	}
}

// Stop transitions any state back to Stopped, flushing any pending
// samples first.
func (l *Logger) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.flushLocked()
	l.state = StateStopped
	return err
}

// State returns the logger's current lifecycle state.
func (l *Logger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SamplesDropped returns the running write-buffer-overflow counter
// (spec.md §4.9: "counted in samples_dropped; never blocks the
// orchestrator").
func (l *Logger) SamplesDropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.samplesDropped
}

// Sweep runs one tick of the logger's state machine over the channel
// registry (spec.md §4.9, invoked as the last pipeline stage in §4.8).
func (l *Logger) Sweep(reg *channel.Registry, nowMS uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateStopped, StatePaused, StateError:
		return
	case StateArmed:
		l.collect(reg, nowMS, true)
		if l.trigger != nil && l.trigger(reg, nowMS) {
			l.state = StateRecording
			l.writeBuf = append(l.writeBuf, l.preTrigger...)
			l.preTrigger = l.preTrigger[:0]
		}
	case StatePreTrigger:
		l.collect(reg, nowMS, true)
	case StateRecording:
		l.collect(reg, nowMS, false)
		l.maybeFlush(nowMS)
	}
}

func (l *Logger) collect(reg *channel.Registry, nowMS uint64, preTrigger bool) {
	reg.ForEach(func(def channel.Definition, rt channel.RuntimeData) {
		if !def.Enabled {
			return
		}
		if len(l.whitelist) > 0 && !l.whitelist[def.Name] {
			return
		}
		if rate, ok := l.rateHz[def.Name]; ok && rate > 0 {
			last := l.lastSampleMS[def.Name]
			if nowMS-last < uint64(1000.0/rate) {
				return
			}
		}
		l.lastSampleMS[def.Name] = nowMS

		l.sequence++
		s := Sample{
			TimestampMS: nowMS,
			Sequence:    l.sequence,
			ChannelName: def.Name,
			Value:       rt.LastValue,
			IsDigital:   def.Kind == channel.KindDigitalIn,
		}

		if preTrigger {
			l.appendPreTrigger(s)
		} else {
			l.appendWriteBuf(s)
		}
	})
}

func (l *Logger) appendPreTrigger(s Sample) {
	l.preTrigger = append(l.preTrigger, s)
	if len(l.preTrigger) > l.preTriggerCap {
		l.preTrigger = l.preTrigger[len(l.preTrigger)-l.preTriggerCap:]
	}
}

func (l *Logger) appendWriteBuf(s Sample) {
	if l.writeBufCap > 0 && len(l.writeBuf) >= l.writeBufCap {
		l.samplesDropped++
		return
	}
	l.writeBuf = append(l.writeBuf, s)
}

func (l *Logger) maybeFlush(nowMS uint64) {
	due := l.autoFlush > 0 && time.Since(l.lastFlush) >= l.autoFlush
	full := l.flushThreshold > 0 && len(l.writeBuf) >= l.flushThreshold
	if !due && !full {
		return
	}
	if err := l.flushLocked(); err != nil {
		l.state = StateError
	}
	l.lastFlush = time.Now()
}

func (l *Logger) flushLocked() error {
	if len(l.writeBuf) == 0 || l.sink == nil {
		return nil
	}
	if err := l.sink.WriteBatch(l.writeBuf); err != nil {
		return err
	}
	l.writeBuf = l.writeBuf[:0]
	return nil
}

// RotateNow increments the logger's file counter and calls the sink's
// Rotate. The counter is not passed to the sink, and BoltSink.Rotate does
// nothing, so with a BoltSink no new output is opened.
func (l *Logger) RotateNow() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		return errors.New("logger: no sink configured")
	}
	l.fileSeq++
	return l.sink.Rotate()
}

// csvHeader is the fixed column header for the CSV log format (spec.md
// §6: "header line timestamp_ms,channel,value,is_digital").
const csvHeader = "timestamp_ms,channel,value,is_digital"

// EncodeCSV renders samples as a header line followed by one 4-column
// record per sample, value printed with 6 decimal places (spec.md §6).
func EncodeCSV(samples []Sample) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(csvHeader)
	buf.WriteByte('\n')

	w := csv.NewWriter(&buf)
	for _, s := range samples {
		row := []string{
			strconv.FormatUint(s.TimestampMS, 10),
			s.ChannelName,
			strconv.FormatFloat(s.Value, 'f', 6, 64),
			strconv.FormatBool(s.IsDigital),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// binaryRecord is the fixed-width wire layout for one sample in the
// binary log format (spec.md §6: "u64 ts_ms, u64 gps_utc_ms, u32 seq,
// [32]u8 name, f32 value, u8 is_digital, [3]u8 pad"). Little-endian.
const binaryRecordSize = 8 + 8 + 4 + 32 + 4 + 1 + 3

// EncodeBinaryHeader builds the fixed 64-byte header prefixing a binary
// log file (spec.md §6: "fixed 64-byte header {magic:4, version:u16,
// flags:u16, header_size:u16, schema_hash:u32, session_start_utc:u64,
// …}"). The trailing bytes beyond session_start_utc are reserved.
func EncodeBinaryHeader(sessionStartUtcMS uint64, formatVersion uint16) []byte {
	h := make([]byte, binaryHeaderSize)
	copy(h[0:4], binaryMagic)
	binary.LittleEndian.PutUint16(h[4:6], formatVersion)
	binary.LittleEndian.PutUint16(h[6:8], 0) // flags: none defined yet
	binary.LittleEndian.PutUint16(h[8:10], binaryHeaderSize)
	binary.LittleEndian.PutUint32(h[10:14], schemaHash)
	binary.LittleEndian.PutUint64(h[14:22], sessionStartUtcMS)
	return h
}

// EncodeBinary renders samples as fixed-width binary records (spec.md §6).
func EncodeBinary(samples []Sample) []byte {
	buf := make([]byte, 0, len(samples)*binaryRecordSize)
	for _, s := range samples {
		rec := make([]byte, binaryRecordSize)
		binary.LittleEndian.PutUint64(rec[0:], s.TimestampMS)
		binary.LittleEndian.PutUint64(rec[8:], s.GpsUtcMS)
		binary.LittleEndian.PutUint32(rec[16:], uint32(s.Sequence))
		copy(rec[20:52], s.ChannelName)
		binary.LittleEndian.PutUint32(rec[52:], math.Float32bits(float32(s.Value)))
		if s.IsDigital {
			rec[56] = 1
		}
		buf = append(buf, rec...)
	}
	return buf
}

// BoltSink writes flushed batches into a bbolt bucket keyed by sequence
// number, grounded on the teacher's dtc.go bucket-per-record pattern
// (pkg/storage/dtc.go).
type BoltSink struct {
	db     *bolt.DB
	bucket []byte
	format Format
}

// OpenBoltSink opens (or creates) a bbolt database and session bucket.
func OpenBoltSink(path, bucket string, format Format) (*BoltSink, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltSink{db: db, bucket: []byte(bucket), format: format}, nil
}

// WriteBatch persists one flushed batch under a key derived from the
// first sample's sequence number.
func (s *BoltSink) WriteBatch(samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	var encoded []byte
	var err error
	if s.format == FormatCSV {
		encoded, err = EncodeCSV(samples)
		if err != nil {
			return err
		}
	} else {
		encoded = EncodeBinary(samples)
	}

	key := []byte(fmt.Sprintf("batch:%020d", samples[0].Sequence))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		return b.Put(key, encoded)
	})
}

// Rotate is a no-op for the bbolt sink: batches accumulate under
// sequence-ordered keys in one database rather than rotating files.
func (s *BoltSink) Rotate() error { return nil }

// Close releases the underlying database handle.
func (s *BoltSink) Close() error { return s.db.Close() }
