package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []State{
	StateIdle, StateRecording, StateTranscribing, StatePostProcessing,
	StateInjectingText, StateDone, StateError,
}

var allEvents = []Event{
	EventStartRecording, EventStopRecording, EventStartPostProcessing,
	EventStartTextInjection, EventFinish, EventFail, EventReset,
}

func TestApplyHappyPath(t *testing.T) {
	steps := []struct {
		event Event
		want  State
	}{
		{EventStartRecording, StateRecording},
		{EventStopRecording, StateTranscribing},
		{EventStartPostProcessing, StatePostProcessing},
		{EventStartTextInjection, StateInjectingText},
		{EventFinish, StateDone},
		{EventReset, StateIdle},
	}

	s := StateIdle
	for _, step := range steps {
		s = Apply(s, step.event)
		assert.Equal(t, step.want, s, "after %s", step.event)
	}
}

func TestApplyIsTotal(t *testing.T) {
	for _, s := range allStates {
		for _, e := range allEvents {
			next := Apply(s, e)
			assert.Contains(t, allStates, next, "Apply(%s, %s)", s, e)
		}
	}
}

func TestApplyFailAndResetFromAnyState(t *testing.T) {
	for _, s := range allStates {
		assert.Equal(t, StateError, Apply(s, EventFail), "fail from %s", s)
		assert.Equal(t, StateIdle, Apply(s, EventReset), "reset from %s", s)
	}
}

func TestApplyUnexpectedPairKeepsState(t *testing.T) {
	tests := []struct {
		from  State
		event Event
	}{
		{StateIdle, EventStopRecording},
		{StateIdle, EventFinish},
		{StateRecording, EventStartRecording},
		{StateRecording, EventStartTextInjection},
		{StatePostProcessing, EventStopRecording},
		{StateDone, EventStartRecording},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			assert.Equal(t, tt.from, Apply(tt.from, tt.event))
		})
	}
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateDone.Transient())
	assert.True(t, StateError.Transient())
	assert.False(t, StateIdle.Transient())
	assert.True(t, StateRecording.Busy())
	assert.False(t, StateIdle.Busy())
	assert.False(t, StateError.Busy())
}

func TestMachineBroadcastsChanges(t *testing.T) {
	m := NewMachine()
	ch, unsubscribe := m.Subscribe(8)
	defer unsubscribe()

	m.Fire(EventStartRecording)
	m.Fire(EventStopRecording)

	first := <-ch
	assert.Equal(t, StateIdle, first.From)
	assert.Equal(t, StateRecording, first.To)
	assert.Equal(t, EventStartRecording, first.Event)

	second := <-ch
	assert.Equal(t, StateTranscribing, second.To)
	assert.Equal(t, StateTranscribing, m.State())
}

func TestMachineUnsubscribeClosesChannel(t *testing.T) {
	m := NewMachine()
	ch, unsubscribe := m.Subscribe(1)
	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	require.False(t, ok)

	// Firing after unsubscribe must not panic on a closed channel.
	m.Fire(EventStartRecording)
}

func TestMachineSlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewMachine()
	_, unsubscribe := m.Subscribe(1)
	defer unsubscribe()

	for i := 0; i < 10; i++ {
		m.Fire(EventReset)
	}
	assert.Equal(t, StateIdle, m.State())
}

func TestMachineOnUnexpected(t *testing.T) {
	m := NewMachine()
	var got []Event
	m.OnUnexpected = func(from State, e Event) {
		assert.Equal(t, StateIdle, from)
		got = append(got, e)
	}

	m.Fire(EventFinish)
	m.Fire(EventStartRecording)

	assert.Equal(t, []Event{EventFinish}, got)
	assert.Equal(t, StateRecording, m.State())
}

func TestMachineUnexpectedPairNotBroadcast(t *testing.T) {
	m := NewMachine()
	ch, unsubscribe := m.Subscribe(8)
	defer unsubscribe()

	m.Fire(EventStopRecording)
	m.Fire(EventFinish)
	m.Fire(EventStartRecording)
	m.Fire(EventStartRecording)

	require.Len(t, ch, 1)
	change := <-ch
	assert.Equal(t, StateIdle, change.From)
	assert.Equal(t, StateRecording, change.To)
}
