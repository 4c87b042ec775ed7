// Package math implements the derived-channel evaluator: arithmetic,
// comparison, boolean, mapping, hysteresis, and filter operators that
// recompute Logic channels from the signal bus each tick (spec.md §4.4).
package math

import (
	"errors"
	stdmath "math"

	"github.com/rakyury/racedash/internal/channel"
)

// ErrCycle is returned at registration time when a Logic channel's input
// graph contains a cycle (spec.md §4.4: "cycles are rejected at
// registration").
var ErrCycle = errors.New("math: logic channel graph contains a cycle")

// Engine computes a topological ordering of Logic channels over the
// registry and re-evaluates them each tick, writing results back via the
// registry (spec.md §4.4).
type Engine struct {
	reg   *channel.Registry
	order []uint16
}

// New creates an engine bound to a channel registry.
func New(reg *channel.Registry) *Engine {
	return &Engine{reg: reg}
}

// Rebuild recomputes the topological evaluation order of every Logic
// channel currently in the registry. Call after registering/removing
// Logic channels (e.g. on a config reload, spec.md §3.7).
func (e *Engine) Rebuild() error {
	type node struct {
		id     uint16
		inputs []uint16
	}
	var nodes []node
	e.reg.ForEach(func(def channel.Definition, _ channel.RuntimeData) {
		if def.Kind != channel.KindLogic {
			return
		}
		inputs := make([]uint16, def.Logic.NInput)
		copy(inputs, def.Logic.Inputs[:def.Logic.NInput])
		nodes = append(nodes, node{id: def.ID, inputs: inputs})
	})

	byID := make(map[uint16]node, len(nodes))
	for _, n := range nodes {
		byID[n.id] = n
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[uint16]int, len(nodes))
	var order []uint16

	var visit func(id uint16) error
	visit = func(id uint16) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return ErrCycle
		}
		color[id] = gray
		if n, ok := byID[id]; ok {
			for _, dep := range n.inputs {
				if _, isLogic := byID[dep]; isLogic {
					if err := visit(dep); err != nil {
						return err
					}
				}
			}
		}
		color[id] = black
		order = append(order, id)
		return nil
	}

	for _, n := range nodes {
		if err := visit(n.id); err != nil {
			return err
		}
	}

	e.order = order
	return nil
}

// Evaluate walks the topological order once, computing each Logic
// channel's output from current bus/registry values and writing it back.
// Evaluating twice with an unchanged registry produces identical outputs
// except for stateful operators (filters, hysteresis, rate-of-change).
func (e *Engine) Evaluate(nowMS uint64, deltaMS float64) {
	for _, id := range e.order {
		def, err := e.reg.GetDef(id)
		if err != nil || def.Kind != channel.KindLogic {
			continue
		}
		var inputs [4]float64
		for i := 0; i < def.Logic.NInput; i++ {
			v, err := e.reg.GetValue(def.Logic.Inputs[i])
			if err != nil {
				inputs[i] = 0 // missing input yields 0 (spec.md §4.4 edge case)
				continue
			}
			inputs[i] = v
		}

		out, newState := Eval(def.Logic, inputs, deltaMS)
		e.reg.SetValue(id, float32(out))
		e.reg.SetLogicState(id, newState)
	}
}

// Eval computes one Logic channel's output given its config, resolved
// input values, and elapsed time since the previous tick. It is pure
// apart from the stateful ops (MovingAvg, LowPass, RateOfChange,
// Hysteresis, Debounce), whose state is threaded through the returned
// [4]float64 and must be persisted by the caller between calls.
func Eval(cfg channel.LogicConfig, in [4]float64, deltaMS float64) (float64, [4]float64) {
	state := cfg.State
	p := cfg.Params
	n := cfg.NInput

	switch cfg.Op {
	case channel.OpAdd:
		return sumN(in, n), state
	case channel.OpSub:
		if n < 2 {
			return in[0], state
		}
		return in[0] - in[1], state
	case channel.OpMul:
		v := 1.0
		for i := 0; i < n; i++ {
			v *= in[i]
		}
		return v, state
	case channel.OpDiv:
		if n < 2 || in[1] == 0 {
			return stdmath.NaN(), state
		}
		return in[0] / in[1], state
	case channel.OpAbs:
		return stdmath.Abs(in[0]), state
	case channel.OpClamp:
		return clamp(in[0], p[0], p[1]), state
	case channel.OpSum:
		return sumN(in, n), state
	case channel.OpAvg:
		if n == 0 {
			return 0, state
		}
		return sumN(in, n) / float64(n), state
	case channel.OpMin:
		return minN(in, n), state
	case channel.OpMax:
		return maxN(in, n), state
	case channel.OpScale:
		return in[0]*p[0] + p[1], state
	case channel.OpMap:
		return mapRange(in[0], p[0], p[1], p[2], p[3]), state

	case channel.OpGt:
		return boolF(in[0] > in[1]), state
	case channel.OpLt:
		return boolF(in[0] < in[1]), state
	case channel.OpGte:
		return boolF(in[0] >= in[1]), state
	case channel.OpLte:
		return boolF(in[0] <= in[1]), state
	case channel.OpEq:
		return boolF(stdmath.Abs(in[0]-in[1]) < 1e-3), state
	case channel.OpRange:
		return boolF(in[0] >= p[0] && in[0] <= p[1]), state

	case channel.OpAnd:
		return boolF(allTrue(in, n)), state
	case channel.OpOr:
		return boolF(anyTrue(in, n)), state
	case channel.OpNot:
		return boolF(!isTrue(in[0])), state
	case channel.OpXor:
		return boolF(countTrue(in, n)%2 == 1), state

	case channel.OpMovingAvg:
		return movingAvg(in[0], &state)
	case channel.OpLowPass:
		return lowPass(in[0], p[0], &state)
	case channel.OpRateOfChange:
		return rateOfChange(in[0], deltaMS, &state)

	case channel.OpConditional:
		if isTrue(in[0]) {
			return in[1], state
		}
		return in[2], state
	case channel.OpHysteresis:
		return hysteresis(in[0], p, &state)
	case channel.OpDebounce:
		return debounce(in[0], p, deltaMS, &state)
	case channel.OpDeadband:
		if stdmath.Abs(in[0]) < p[0] {
			return 0, state
		}
		return in[0], state

	default:
		return 0, state
	}
}

func sumN(in [4]float64, n int) float64 {
	var s float64
	for i := 0; i < n; i++ {
		if stdmath.IsNaN(in[i]) {
			return stdmath.NaN()
		}
		s += in[i]
	}
	return s
}

func minN(in [4]float64, n int) float64 {
	if n == 0 {
		return 0
	}
	m := in[0]
	for i := 1; i < n; i++ {
		if in[i] < m {
			m = in[i]
		}
	}
	return m
}

func maxN(in [4]float64, n int) float64 {
	if n == 0 {
		return 0
	}
	m := in[0]
	for i := 1; i < n; i++ {
		if in[i] > m {
			m = in[i]
		}
	}
	return m
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func mapRange(v, inLo, inHi, outLo, outHi float64) float64 {
	if inHi == inLo {
		return outLo
	}
	t := (v - inLo) / (inHi - inLo)
	return outLo + t*(outHi-outLo)
}

func boolF(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

func isTrue(v float64) bool {
	if stdmath.IsNaN(v) {
		return false // NaN input to boolean treats NaN as false (spec.md §4.4)
	}
	return v != 0
}

func allTrue(in [4]float64, n int) bool {
	for i := 0; i < n; i++ {
		if !isTrue(in[i]) {
			return false
		}
	}
	return n > 0
}

func anyTrue(in [4]float64, n int) bool {
	for i := 0; i < n; i++ {
		if isTrue(in[i]) {
			return true
		}
	}
	return false
}

func countTrue(in [4]float64, n int) int {
	c := 0
	for i := 0; i < n; i++ {
		if isTrue(in[i]) {
			c++
		}
	}
	return c
}

// movingAvg keeps a running average in state[0] with a sample count in
// state[1], converging as the engine runs (spec.md §8 idempotence note).
func movingAvg(v float64, state *[4]float64) (float64, [4]float64) {
	count := state[1] + 1
	avg := state[0] + (v-state[0])/count
	state[0] = avg
	state[1] = count
	return avg, *state
}

// lowPass applies the same first-order filter as the channel registry's
// analog filter, parameterized by alpha in params[0].
func lowPass(v, alpha float64, state *[4]float64) (float64, [4]float64) {
	if alpha <= 0 || alpha >= 1 || stdmath.IsNaN(state[0]) {
		state[0] = v
		return v, *state
	}
	out := state[0]*(1-alpha) + v*alpha
	state[0] = out
	return out, *state
}

func rateOfChange(v, deltaMS float64, state *[4]float64) (float64, [4]float64) {
	prev := state[0]
	state[0] = v
	if deltaMS <= 0 || stdmath.IsNaN(prev) {
		return 0, *state
	}
	return (v - prev) / (deltaMS / 1000.0), *state
}

// hysteresis: 1 if input >= params[1], 0 if input <= params[0], else the
// previous state stored in state[2] (spec.md §4.4); params[2] is not read.
func hysteresis(v float64, params [4]float64, state *[4]float64) (float64, [4]float64) {
	lo, hi := params[0], params[1]
	switch {
	case v >= hi:
		state[2] = 1
	case v <= lo:
		state[2] = 0
	}
	return state[2], *state
}

// debounce holds the previous stable boolean output until the input has
// been stable past the window in params[0] milliseconds.
func debounce(v float64, params [4]float64, deltaMS float64, state *[4]float64) (float64, [4]float64) {
	windowMS := params[0]
	target := boolF(isTrue(v))
	if target != state[1] {
		state[1] = target
		state[2] = 0
	} else {
		state[2] += deltaMS
	}
	if state[2] >= windowMS {
		state[0] = state[1]
	}
	return state[0], *state
}
