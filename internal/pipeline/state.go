// Package pipeline holds the dictation run state machine.
package pipeline

// State is the externally observed phase of a dictation run.
type State string

const (
	StateIdle           State = "idle"
	StateRecording      State = "recording"
	StateTranscribing   State = "transcribing"
	StatePostProcessing State = "post_processing"
	StateInjectingText  State = "injecting_text"
	StateDone           State = "done"
	StateError          State = "error"
)

// Event drives a transition.
type Event string

const (
	EventStartRecording      Event = "start_recording"
	EventStopRecording       Event = "stop_recording"
	EventStartPostProcessing Event = "start_post_processing"
	EventStartTextInjection  Event = "start_text_injection"
	EventFinish              Event = "finish"
	EventFail                Event = "fail"
	EventReset               Event = "reset"
)

// Transient reports whether s is one of the terminal markers that the
// coordinator always follows with a reset.
func (s State) Transient() bool {
	return s == StateDone || s == StateError
}

// Busy reports whether a run is in flight.
func (s State) Busy() bool {
	return s != StateIdle && !s.Transient()
}

type edge struct {
	from  State
	event Event
}

var table = map[edge]State{
	{StateIdle, EventStartRecording}:               StateRecording,
	{StateRecording, EventStopRecording}:           StateTranscribing,
	{StateTranscribing, EventStartPostProcessing}:  StatePostProcessing,
	{StatePostProcessing, EventStartTextInjection}: StateInjectingText,
	{StateInjectingText, EventFinish}:              StateDone,
}

// Apply returns the state that follows s on e. It is total: fail and reset
// are accepted from every state, and any other pair outside the table keeps
// the current state.
func Apply(s State, e Event) State {
	next, _ := transition(s, e)
	return next
}

// transition is Apply plus whether the pair was an expected one.
func transition(s State, e Event) (State, bool) {
	switch e {
	case EventFail:
		return StateError, true
	case EventReset:
		return StateIdle, true
	}
	if next, ok := table[edge{s, e}]; ok {
		return next, true
	}
	return s, false
}
