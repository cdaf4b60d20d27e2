package stt

import (
	"testing"
	"time"
)

func TestDrainPolicyDone(t *testing.T) {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	p := DefaultDrainConfig().WithText

	tests := []struct {
		name string
		pr   drainProgress
		want bool
	}{
		{"before minimum even if idle", drainProgress{waited: ms(100), idle: ms(5000), newMessages: true}, false},
		{"no message within grace", drainProgress{waited: ms(600)}, false},
		{"no message after grace", drainProgress{waited: ms(900)}, true},
		{"recent message", drainProgress{waited: ms(1000), idle: ms(100), newMessages: true}, false},
		{"idle gap reached", drainProgress{waited: ms(1000), idle: ms(450), newMessages: true}, true},
		{"speech final settles early", drainProgress{waited: ms(250), idle: ms(220), newMessages: true, newSpeechFinal: true}, true},
		{"speech final still fresh", drainProgress{waited: ms(250), idle: ms(100), newMessages: true, newSpeechFinal: true}, false},
		{"metadata settles early", drainProgress{waited: ms(250), idle: ms(260), newMessages: true, newMetadata: true}, true},
		{"ceiling wins", drainProgress{waited: ms(3000), idle: ms(1), newMessages: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.done(tt.pr); got != tt.want {
				t.Errorf("done(%+v) = %v, want %v", tt.pr, got, tt.want)
			}
		})
	}
}

func TestDefaultDrainRegimes(t *testing.T) {
	cfg := DefaultDrainConfig()
	if cfg.WithText.MinWait >= cfg.WithoutText.MinWait {
		t.Error("short regime should have the smaller minimum wait")
	}
	if cfg.WithText.MaxWait >= cfg.WithoutText.MaxWait {
		t.Error("short regime should have the smaller ceiling")
	}
	if cfg.Close.MaxWait >= cfg.WithText.MaxWait {
		t.Error("close drain should have the shortest ceiling")
	}
	if cfg.Close.SpeechFinalIdle != 0 || cfg.Close.MetadataIdle != 0 {
		t.Error("close drain has no early exits")
	}
}
