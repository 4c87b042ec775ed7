// Package alert implements the alert and health monitor: threshold
// evaluation, latching policy, and staleness detection (spec.md §3.3,
// §4.5).
package alert

import "log"

// Comparator is the alert rule's threshold comparator.
type Comparator int

const (
	CompLT Comparator = iota
	CompGT
	CompLTE
	CompGTE
	CompStale
)

// Severity ranks an alert's urgency.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityCritical
)

// Rule is an alert rule definition (spec.md §3.3).
type Rule struct {
	ID            string
	Message       string
	SignalName    string
	Threshold     float64
	Comparator    Comparator
	Severity      Severity
	LatchUntilAck bool
	StaleMaxAgeMS uint64 // only meaningful when Comparator == CompStale
}

// SignalSource is the narrow read interface the monitor needs from the
// signal bus (spec.md §4.1's GetNumeric/IsStale).
type SignalSource interface {
	GetNumeric(name string) (float64, bool)
	IsStale(name string, nowMS, maxAgeMS uint64) bool
}

// EdgeNotification is the one-shot event emitted when a rule transitions
// from not-asserted to asserted (spec.md §4.5 step 3).
type EdgeNotification struct {
	RuleID  string
	Message string
}

// Monitor evaluates alert rules each tick, tracking an active set with
// latching semantics (spec.md §4.5).
type Monitor struct {
	rules  map[string]Rule
	order  []string
	active map[string]bool

	edges  []EdgeNotification
	logger *log.Logger
}

// New creates an empty alert monitor.
func New(logger *log.Logger) *Monitor {
	return &Monitor{
		rules:  make(map[string]Rule),
		active: make(map[string]bool),
		logger: logger,
	}
}

// Register adds a rule to the monitor.
func (m *Monitor) Register(r Rule) {
	if _, exists := m.rules[r.ID]; !exists {
		m.order = append(m.order, r.ID)
	}
	m.rules[r.ID] = r
}

// Acknowledge clears a latched rule from the active set (spec.md §4.5).
func (m *Monitor) Acknowledge(ruleID string) {
	delete(m.active, ruleID)
}

// Active reports whether a rule id is currently in the active set.
func (m *Monitor) Active(ruleID string) bool {
	return m.active[ruleID]
}

// ActiveSet returns a snapshot slice of every currently active rule id.
func (m *Monitor) ActiveSet() []string {
	out := make([]string, 0, len(m.active))
	for id, on := range m.active {
		if on {
			out = append(out, id)
		}
	}
	return out
}

// DrainEdges returns and clears the one-shot edge notifications queued
// since the last call (consumed by external voice/UI layers, spec.md §4.5).
func (m *Monitor) DrainEdges() []EdgeNotification {
	out := m.edges
	m.edges = nil
	return out
}

// Evaluate runs every rule against the bus and updates the active set
// per spec.md §4.5's per-tick algorithm.
func (m *Monitor) Evaluate(bus SignalSource, nowMS uint64) {
	for _, id := range m.order {
		r := m.rules[id]
		asserted := m.assert(bus, r, nowMS)

		if asserted {
			if !m.active[id] {
				m.edges = append(m.edges, EdgeNotification{RuleID: r.ID, Message: r.Message})
			}
			m.active[id] = true
		} else {
			if r.LatchUntilAck {
				// Latched alerts persist until acknowledge() is called.
			} else {
				m.active[id] = false
			}
		}
	}
}

func (m *Monitor) assert(bus SignalSource, r Rule, nowMS uint64) bool {
	if r.Comparator == CompStale {
		return bus.IsStale(r.SignalName, nowMS, r.StaleMaxAgeMS)
	}
	v, ok := bus.GetNumeric(r.SignalName)
	if !ok {
		return false
	}
	switch r.Comparator {
	case CompLT:
		return v < r.Threshold
	case CompGT:
		return v > r.Threshold
	case CompLTE:
		return v <= r.Threshold
	case CompGTE:
		return v >= r.Threshold
	default:
		return false
	}
}

// DiagnosticSink is the logger's ingress interface the health monitor
// writes a line into on a stale signal's rising edge (spec.md §4.5).
type DiagnosticSink interface {
	Diagnostic(line string)
}

// HealthMonitor is a specialization of Monitor for stale-signal rules
// only, additionally logging on the rising edge of staleness.
type HealthMonitor struct {
	*Monitor
	sink     DiagnosticSink
	wasStale map[string]bool
}

// NewHealthMonitor creates a health monitor writing diagnostics to sink.
func NewHealthMonitor(logger *log.Logger, sink DiagnosticSink) *HealthMonitor {
	return &HealthMonitor{
		Monitor:  New(logger),
		sink:     sink,
		wasStale: make(map[string]bool),
	}
}

// Acknowledge clears the latch and resets the rising-edge tracker so the
// rule can re-emit its diagnostic line on the next staleness onset
// (spec.md §8 scenario 7).
func (h *HealthMonitor) Acknowledge(ruleID string) {
	h.Monitor.Acknowledge(ruleID)
	delete(h.wasStale, ruleID)
}

// Evaluate runs the stale-signal rules and emits a diagnostic line the
// first tick a signal goes stale.
func (h *HealthMonitor) Evaluate(bus SignalSource, nowMS uint64) {
	h.Monitor.Evaluate(bus, nowMS)
	for _, id := range h.order {
		r := h.rules[id]
		if r.Comparator != CompStale {
			continue
		}
		stale := bus.IsStale(r.SignalName, nowMS, r.StaleMaxAgeMS)
		if stale && !h.wasStale[id] {
			line := "signal stale: " + r.SignalName
			if h.sink != nil {
				h.sink.Diagnostic(line)
			}
			if h.logger != nil {
				h.logger.Printf("[health] %s", line)
			}
		}
		h.wasStale[id] = stale
	}
}
