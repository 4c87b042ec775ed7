// Package config implements the hierarchical system/screens/channels/
// tracks configuration model, its YAML persistence, validation, and
// fsnotify-driven hot reload (spec.md §4.10).
package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/rakyury/racedash/internal/channel"
)

// CurrentFormatVersion is the only config schema version this build
// accepts; a mismatched version is rejected rather than upgraded in
// place (spec.md §4.10's format-version rejection rule).
const CurrentFormatVersion = 1

var (
	ErrFormatVersion   = errors.New("config: unsupported format_version")
	ErrDanglingRef     = errors.New("config: reference to an undefined channel")
	ErrScreenIDClash   = errors.New("config: duplicate screen id")
	ErrCanIDOutOfRange = errors.New("config: can id out of range for its extended flag")
)

// System is the top-level device configuration (spec.md §4.10).
type System struct {
	DisplayBrightness int    `yaml:"display_brightness"`
	CanEnabled        bool   `yaml:"can_enabled"`
	GpsRateHz         int    `yaml:"gps_rate_hz"`
	LoggerRateHz      int    `yaml:"logger_rate_hz"`
	WifiEnabled       bool   `yaml:"wifi_enabled"`
	Units             string `yaml:"units"`
}

// WidgetBinding binds one screen widget instance to a channel and
// optional threshold coloring (spec.md §4.10: "widget instances with
// data bindings and thresholds").
type WidgetBinding struct {
	WidgetID    string  `yaml:"widget_id"`
	ChannelName string  `yaml:"channel_name"`
	WarnAt      float64 `yaml:"warn_at"`
	CriticalAt  float64 `yaml:"critical_at"`
}

// Screen is one configured screen's widget layout.
type Screen struct {
	ID       string          `yaml:"id"`
	Name     string          `yaml:"name"`
	Bindings []WidgetBinding `yaml:"bindings"`
}

// TrackLine mirrors geo.Line in a YAML-friendly shape.
type TrackLine struct {
	Lat1            float64 `yaml:"lat1"`
	Lon1            float64 `yaml:"lon1"`
	Lat2            float64 `yaml:"lat2"`
	Lon2            float64 `yaml:"lon2"`
	RadiusM         float64 `yaml:"radius_m"`
	RequiredHeading float64 `yaml:"required_heading"`
	ToleranceDeg    float64 `yaml:"tolerance_deg"`
}

// Track is one configured track map (spec.md §3.4).
type Track struct {
	Name        string      `yaml:"name"`
	StartFinish TrackLine   `yaml:"start_finish"`
	Sectors     []TrackLine `yaml:"sectors"`
}

// AlertConfig mirrors alert.Rule in its YAML-persisted shape.
type AlertConfig struct {
	ID            string  `yaml:"id"`
	Message       string  `yaml:"message"`
	SignalName    string  `yaml:"signal_name"`
	Threshold     float64 `yaml:"threshold"`
	Comparator    string  `yaml:"comparator"` // "lt" | "gt" | "lte" | "gte" | "stale"
	Severity      string  `yaml:"severity"`   // "info" | "warn" | "critical"
	LatchUntilAck bool    `yaml:"latch_until_ack"`
	StaleMaxAgeMS uint64  `yaml:"stale_max_age_ms"`
}

// ChannelConfig is the YAML-persisted shape of a channel.Definition.
// Only the fields relevant to its kind need be populated; unused kind
// blocks are left at zero value.
type ChannelConfig struct {
	ID       uint16 `yaml:"id"`
	Name     string `yaml:"name"`
	Units    string `yaml:"units"`
	Kind     string `yaml:"kind"`
	Decimals int    `yaml:"decimals"`
	Enabled  bool   `yaml:"enabled"`

	Analog channel.AnalogConfig  `yaml:"analog,omitempty"`
	Digit  channel.DigitalConfig `yaml:"digital,omitempty"`
	Can    channel.CanConfig     `yaml:"can,omitempty"`
	Logic  channel.LogicConfig   `yaml:"logic,omitempty"`
}

// Document is the complete persisted configuration (spec.md §4.10).
type Document struct {
	FormatVersion int             `yaml:"format_version"`
	System        System          `yaml:"system"`
	Screens       []Screen        `yaml:"screens"`
	Channels      []ChannelConfig `yaml:"channels"`
	Tracks        []Track         `yaml:"tracks"`
	Alerts        []AlertConfig   `yaml:"alerts"`
}

// Validate rejects a candidate document per spec.md §4.10: dangling
// channel references from widgets/alerts, colliding screen ids, and
// out-of-range CAN ids for their declared extended flag.
func (d *Document) Validate() error {
	if d.FormatVersion != CurrentFormatVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrFormatVersion, d.FormatVersion, CurrentFormatVersion)
	}

	channelNames := make(map[string]bool, len(d.Channels))
	for _, c := range d.Channels {
		channelNames[c.Name] = true
		if c.Kind == "CanRx" {
			maxID := uint32(1<<11 - 1)
			if c.Can.Extended {
				maxID = 1<<29 - 1
			}
			if c.Can.MessageID > maxID {
				return fmt.Errorf("%w: channel %q id %d", ErrCanIDOutOfRange, c.Name, c.Can.MessageID)
			}
		}
	}

	seenScreens := make(map[string]bool, len(d.Screens))
	for _, s := range d.Screens {
		if seenScreens[s.ID] {
			return fmt.Errorf("%w: %s", ErrScreenIDClash, s.ID)
		}
		seenScreens[s.ID] = true
		for _, b := range s.Bindings {
			if !channelNames[b.ChannelName] {
				return fmt.Errorf("%w: screen %q widget %q -> %q", ErrDanglingRef, s.ID, b.WidgetID, b.ChannelName)
			}
		}
	}

	for _, a := range d.Alerts {
		if !channelNames[a.SignalName] {
			return fmt.Errorf("%w: alert %q -> %q", ErrDanglingRef, a.ID, a.SignalName)
		}
	}

	return nil
}

// Load reads and validates a YAML configuration document from path.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Save writes doc back to path as YAML.
func Save(path string, doc *Document) error {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// ReloadFunc is invoked with a freshly loaded and validated document
// whenever the watched file changes.
type ReloadFunc func(doc *Document) error

// Watcher hot-reloads the configuration file on change, atomically
// swapping in a new Document only after it has parsed and validated
// cleanly (spec.md §3.7: "all three subsystems must quiesce during
// swap" — the quiesce/swap itself is the caller's responsibility inside
// ReloadFunc).
type Watcher struct {
	mu       sync.Mutex
	path     string
	watcher  *fsnotify.Watcher
	onReload ReloadFunc
	done     chan struct{}
}

// NewWatcher opens an fsnotify watch on the file at path itself and
// begins calling onReload whenever the file is rewritten.
func NewWatcher(path string, onReload ReloadFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{path: path, watcher: fw, onReload: onReload, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			doc, err := Load(w.path)
			if err != nil {
				continue // keep serving the last-known-good config
			}
			w.mu.Lock()
			_ = w.onReload(doc)
			w.mu.Unlock()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
