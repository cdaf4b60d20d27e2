package stt

import "time"

// DrainPolicy bounds one wait for trailing server messages.
type DrainPolicy struct {
	MinWait        time.Duration // never stop before this
	MaxWait        time.Duration // always stop at this
	NoMessageGrace time.Duration // stop if nothing arrived within this
	IdleGap        time.Duration // stop this long after the last message
	// Early exits after a speech_final or a fresh Metadata event. Zero
	// disables them.
	SpeechFinalIdle time.Duration
	MetadataIdle    time.Duration
	Poll            time.Duration
}

// DrainConfig groups the policies used by Session.Finish.
type DrainConfig struct {
	WithText    DrainPolicy // finalize drain when some text already exists
	WithoutText DrainPolicy // finalize drain when nothing has arrived yet
	Close       DrainPolicy // drain after CloseStream
}

// DefaultDrainConfig returns the production timings.
func DefaultDrainConfig() DrainConfig {
	return DrainConfig{
		WithText: DrainPolicy{
			MinWait:         200 * time.Millisecond,
			MaxWait:         3000 * time.Millisecond,
			NoMessageGrace:  900 * time.Millisecond,
			IdleGap:         450 * time.Millisecond,
			SpeechFinalIdle: 220 * time.Millisecond,
			MetadataIdle:    260 * time.Millisecond,
			Poll:            50 * time.Millisecond,
		},
		WithoutText: DrainPolicy{
			MinWait:         500 * time.Millisecond,
			MaxWait:         4800 * time.Millisecond,
			NoMessageGrace:  1800 * time.Millisecond,
			IdleGap:         700 * time.Millisecond,
			SpeechFinalIdle: 220 * time.Millisecond,
			MetadataIdle:    260 * time.Millisecond,
			Poll:            50 * time.Millisecond,
		},
		Close: DrainPolicy{
			MinWait:        120 * time.Millisecond,
			MaxWait:        900 * time.Millisecond,
			NoMessageGrace: 350 * time.Millisecond,
			IdleGap:        240 * time.Millisecond,
			Poll:           40 * time.Millisecond,
		},
	}
}

// drainProgress is what a drain loop observes on each poll.
type drainProgress struct {
	waited         time.Duration
	idle           time.Duration // since the last message of any kind
	newMessages    bool
	newSpeechFinal bool
	newMetadata    bool
}

// done reports whether the wait may stop.
func (p DrainPolicy) done(pr drainProgress) bool {
	if pr.waited >= p.MaxWait {
		return true
	}
	if pr.waited < p.MinWait {
		return false
	}
	if !pr.newMessages {
		return pr.waited >= p.NoMessageGrace
	}
	if p.SpeechFinalIdle > 0 && pr.newSpeechFinal && pr.idle >= p.SpeechFinalIdle {
		return true
	}
	if p.MetadataIdle > 0 && pr.newMetadata && pr.idle >= p.MetadataIdle {
		return true
	}
	return pr.idle >= p.IdleGap
}

func (p DrainPolicy) pollInterval() time.Duration {
	if p.Poll <= 0 {
		return 50 * time.Millisecond
	}
	return p.Poll
}
