// Package tap models the IEEE 1149.1 TAP controller so TMS streams can be
// followed and generated without touching hardware.
package tap

import "fmt"

// State is one of the 16 TAP controller states.
type State uint8

const (
	StateTestLogicReset State = iota
	StateRunTestIdle
	StateSelectDRScan
	StateCaptureDR
	StateShiftDR
	StateExit1DR
	StatePauseDR
	StateExit2DR
	StateUpdateDR
	StateSelectIRScan
	StateCaptureIR
	StateShiftIR
	StateExit1IR
	StatePauseIR
	StateExit2IR
	StateUpdateIR

	numStates
)

var stateNames = [numStates]string{
	"TestLogicReset", "RunTestIdle",
	"SelectDRScan", "CaptureDR", "ShiftDR", "Exit1DR", "PauseDR", "Exit2DR", "UpdateDR",
	"SelectIRScan", "CaptureIR", "ShiftIR", "Exit1IR", "PauseIR", "Exit2IR", "UpdateIR",
}

// next[s][0] follows TMS=0, next[s][1] follows TMS=1.
var next = [numStates][2]State{
	StateTestLogicReset: {StateRunTestIdle, StateTestLogicReset},
	StateRunTestIdle:    {StateRunTestIdle, StateSelectDRScan},
	StateSelectDRScan:   {StateCaptureDR, StateSelectIRScan},
	StateCaptureDR:      {StateShiftDR, StateExit1DR},
	StateShiftDR:        {StateShiftDR, StateExit1DR},
	StateExit1DR:        {StatePauseDR, StateUpdateDR},
	StatePauseDR:        {StatePauseDR, StateExit2DR},
	StateExit2DR:        {StateShiftDR, StateUpdateDR},
	StateUpdateDR:       {StateRunTestIdle, StateSelectDRScan},
	StateSelectIRScan:   {StateCaptureIR, StateTestLogicReset},
	StateCaptureIR:      {StateShiftIR, StateExit1IR},
	StateShiftIR:        {StateShiftIR, StateExit1IR},
	StateExit1IR:        {StatePauseIR, StateUpdateIR},
	StatePauseIR:        {StatePauseIR, StateExit2IR},
	StateExit2IR:        {StateShiftIR, StateUpdateIR},
	StateUpdateIR:       {StateRunTestIdle, StateSelectDRScan},
}

func (s State) valid() bool { return s < numStates }

func (s State) String() string {
	if s.valid() {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// IsShift reports whether TDI is clocked into a register in this state.
func (s State) IsShift() bool {
	return s == StateShiftDR || s == StateShiftIR
}

// NextState returns the state after one TCK with the given TMS level. It
// panics on a state outside the 16 defined ones.
func NextState(current State, tms bool) State {
	if !current.valid() {
		panic(fmt.Sprintf("tap: unhandled state %d", current))
	}
	if tms {
		return next[current][1]
	}
	return next[current][0]
}

// Sequence is a TMS pattern together with the states it walks through;
// States has one more entry than TMS, starting with the origin.
type Sequence struct {
	TMS    []bool
	States []State
}

// Packed returns the TMS pattern packed LSB first, the layout XVC and the
// MPSSE TMS commands use on the wire.
func (s Sequence) Packed() []byte {
	if len(s.TMS) == 0 {
		return nil
	}
	buf := make([]byte, (len(s.TMS)+7)/8)
	for i, bit := range s.TMS {
		if bit {
			buf[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return buf
}

// StateMachine follows a TAP controller. It performs no I/O.
type StateMachine struct {
	state State
}

// NewStateMachine returns a machine in Test-Logic-Reset.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateTestLogicReset}
}

// State reports the current state.
func (m *StateMachine) State() State {
	return m.state
}

// Clock advances one TCK and returns the new state.
func (m *StateMachine) Clock(tms bool) State {
	m.state = NextState(m.state, tms)
	return m.state
}

// ClockBits advances the machine through the first bits entries of a packed
// LSB-first TMS vector and returns the final state.
func (m *StateMachine) ClockBits(tms []byte, bits int) State {
	for i := 0; i < bits; i++ {
		m.Clock(tms[i/8]&(1<<(uint(i)%8)) != 0)
	}
	return m.state
}

// Reset clocks five TMS=1 cycles, which reaches Test-Logic-Reset from any
// state, and returns the sequence so it can be sent to a cable.
func (m *StateMachine) Reset() Sequence {
	seq := Sequence{States: []State{m.state}}
	for i := 0; i < 5; i++ {
		seq.TMS = append(seq.TMS, true)
		seq.States = append(seq.States, m.Clock(true))
	}
	return seq
}

// GoTo moves the machine to target along a shortest path and returns the TMS
// sequence that does it.
func (m *StateMachine) GoTo(target State) (Sequence, error) {
	seq, err := shortestPath(m.state, target)
	if err != nil {
		return Sequence{}, err
	}
	m.state = target
	return seq, nil
}

// shortestPath runs a breadth-first search over the state graph. TMS=0 edges
// are explored first, so ties prefer staying low.
func shortestPath(from, to State) (Sequence, error) {
	if !from.valid() {
		return Sequence{}, fmt.Errorf("tap: invalid start state %d", from)
	}
	if !to.valid() {
		return Sequence{}, fmt.Errorf("tap: invalid target state %d", to)
	}

	type edge struct {
		prev State
		tms  bool
		seen bool
	}
	var via [numStates]edge
	via[from].seen = true

	queue := []State{from}
	for len(queue) > 0 && !via[to].seen {
		s := queue[0]
		queue = queue[1:]
		for i, n := range next[s] {
			if via[n].seen {
				continue
			}
			via[n] = edge{prev: s, tms: i == 1, seen: true}
			queue = append(queue, n)
		}
	}
	if !via[to].seen {
		return Sequence{}, fmt.Errorf("tap: no path from %s to %s", from, to)
	}

	var tms []bool
	states := []State{to}
	for s := to; s != from; s = via[s].prev {
		tms = append(tms, via[s].tms)
		states = append(states, via[s].prev)
	}
	for i, j := 0, len(tms)-1; i < j; i, j = i+1, j-1 {
		tms[i], tms[j] = tms[j], tms[i]
	}
	for i, j := 0, len(states)-1; i < j; i, j = i+1, j-1 {
		states[i], states[j] = states[j], states[i]
	}
	return Sequence{TMS: tms, States: states}, nil
}
