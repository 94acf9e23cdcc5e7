package tap

// resetClocks is the number of consecutive TMS=1 clocks that force any TAP
// controller into Test-Logic-Reset.
const resetClocks = 5

// Tracker follows the TMS stream of an XVC session. A new connection does not
// know where the controller is, so the tracker starts unsynchronized and locks
// on once it has seen five consecutive ones.
type Tracker struct {
	m      StateMachine
	synced bool
	ones   int
}

// NewTracker returns an unsynchronized tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Follow clocks bits of the packed TMS vector through the tracker.
func (t *Tracker) Follow(tms []byte, bits int) State {
	for i := 0; i < bits; i++ {
		bit := tms[i/8]&(1<<(uint(i)%8)) != 0
		if t.synced {
			t.m.Clock(bit)
			continue
		}
		if !bit {
			t.ones = 0
			continue
		}
		t.ones++
		if t.ones >= resetClocks {
			t.synced = true
			t.m.state = StateTestLogicReset
		}
	}
	return t.State()
}

// State returns the tracked state. It is only meaningful once Synced.
func (t *Tracker) State() State {
	return t.m.state
}

// Synced reports whether a reset has been observed.
func (t *Tracker) Synced() bool {
	return t.synced
}
