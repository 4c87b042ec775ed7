// Package display implements the priority-ranked screen-selection state
// machine: external-source short-circuit, rule evaluation, and one-shot
// screen-switch events (spec.md §3.5, §4.7).
package display

// ExternalSource identifies a pass-through video source that, when
// selected, bypasses rule evaluation entirely (spec.md §4.7 step 1).
type ExternalSource int

const (
	ExternalNone ExternalSource = iota
	ExternalHDMI
	ExternalCarPlay
	ExternalAndroidAuto
)

// BusReader is the narrow read interface a rule predicate evaluates
// against.
type BusReader interface {
	GetNumeric(name string) (float64, bool)
	GetDigital(name string) (bool, bool)
}

// Predicate decides whether a display rule's condition currently holds.
type Predicate func(bus BusReader) bool

// Rule is a priority-ranked screen-selection condition (spec.md §3.5).
type Rule struct {
	ID           string
	Priority     int
	Predicate    Predicate
	TargetScreen string
	registeredAt int
}

// ScreenSwitchEvent is the one-shot event emitted when the resolved
// screen changes (spec.md §4.7 step 2).
type ScreenSwitchEvent struct {
	FromScreen string
	ToScreen   string
}

// OverlayWidget is the opaque pass-through overlay invoked while an
// external source is active (spec.md §4.7 step 1).
type OverlayWidget interface {
	RenderOverlay(bus BusReader)
}

// Machine resolves which screen id should be rendered each tick. It
// never renders anything itself (spec.md §4.7 contract).
type Machine struct {
	rules         []Rule
	defaultScreen string
	current       string

	external ExternalSource
	overlay  OverlayWidget

	events  []ScreenSwitchEvent
	nextSeq int
}

// New creates a display state machine with the given default (fallback)
// screen id.
func New(defaultScreen string) *Machine {
	return &Machine{defaultScreen: defaultScreen, current: defaultScreen}
}

// RegisterRule adds a rule; registration order is used as the priority
// tiebreaker (spec.md §3.5).
func (m *Machine) RegisterRule(r Rule) {
	r.registeredAt = m.nextSeq
	m.nextSeq++
	m.rules = append(m.rules, r)
}

// SetExternalSource selects (or clears, with ExternalNone) a pass-
// through video source.
func (m *Machine) SetExternalSource(src ExternalSource) {
	m.external = src
}

// SetOverlay registers the opaque overlay widget invoked while an
// external source is active.
func (m *Machine) SetOverlay(w OverlayWidget) {
	m.overlay = w
}

// CurrentScreen returns the currently resolved screen id.
func (m *Machine) CurrentScreen() string { return m.current }

// DrainEvents returns and clears the one-shot screen-switch events
// queued since the last call.
func (m *Machine) DrainEvents() []ScreenSwitchEvent {
	out := m.events
	m.events = nil
	return out
}

// Tick resolves the active screen per spec.md §4.7's algorithm.
func (m *Machine) Tick(bus BusReader) {
	if m.external != ExternalNone {
		if m.overlay != nil {
			m.overlay.RenderOverlay(bus)
		}
		return
	}

	target := m.resolveScreen(bus)
	if target != m.current {
		m.events = append(m.events, ScreenSwitchEvent{FromScreen: m.current, ToScreen: target})
		m.current = target
	}
}

// resolveScreen picks the highest-priority rule whose predicate holds,
// breaking ties by registration order, falling back to the default
// screen when no rule matches.
func (m *Machine) resolveScreen(bus BusReader) string {
	// Rules are stored in registration order, so the first match at a
	// given priority already satisfies the registration-order tiebreak;
	// only a strictly higher priority may displace it.
	best := -1
	for i, r := range m.rules {
		if !r.Predicate(bus) {
			continue
		}
		if best == -1 || r.Priority > m.rules[best].Priority {
			best = i
		}
	}
	if best == -1 {
		return m.defaultScreen
	}
	return m.rules[best].TargetScreen
}
