package pipeline

import (
	"sync"
	"time"
)

// Change is broadcast to subscribers after every expected transition.
type Change struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Event Event     `json:"event"`
	At    time.Time `json:"at"`
}

// Machine is the mutable, observable wrapper around Apply.
type Machine struct {
	mu    sync.Mutex
	state State
	subs  map[int]chan Change
	next  int

	// OnUnexpected, when set, is called for pairs outside the transition
	// table. It never changes the outcome of Fire.
	OnUnexpected func(from State, e Event)
}

// NewMachine returns a machine in StateIdle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle, subs: make(map[int]chan Change)}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies e and notifies subscribers. Unexpected pairs leave the state
// as is and are not broadcast. Slow subscribers miss changes rather than
// block the caller.
func (m *Machine) Fire(e Event) State {
	m.mu.Lock()
	from := m.state
	to, expected := transition(from, e)
	m.state = to
	if expected {
		change := Change{From: from, To: to, Event: e, At: time.Now()}
		for _, ch := range m.subs {
			select {
			case ch <- change:
			default:
			}
		}
	}
	hook := m.OnUnexpected
	m.mu.Unlock()

	if !expected && hook != nil {
		hook(from, e)
	}
	return to
}

// Subscribe registers a buffered listener. The returned func unsubscribes
// and closes the channel.
func (m *Machine) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)

	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}
