package dispatch

import (
	"testing"
	"time"
)

func TestPauseExpiresLazily(t *testing.T) {
	p := NewPauseTracker()

	p.Pause("c1", 10*time.Millisecond)
	if !p.Paused("c1") {
		t.Fatal("chat not paused")
	}
	if p.Paused("c2") {
		t.Fatal("unrelated chat paused")
	}

	time.Sleep(20 * time.Millisecond)
	if p.Paused("c1") {
		t.Error("pause survived its window")
	}
	if p.Remaining("c1") != 0 {
		t.Error("remaining time after expiry")
	}
}

func TestLongerPauseWins(t *testing.T) {
	p := NewPauseTracker()

	p.Pause("c1", time.Hour)
	p.Pause("c1", time.Minute)

	if p.Remaining("c1") < 50*time.Minute {
		t.Error("shorter pause shortened the existing window")
	}
}

func TestResumeClearsPause(t *testing.T) {
	p := NewPauseTracker()
	p.Pause("c1", time.Hour)
	p.Resume("c1")
	if p.Paused("c1") {
		t.Error("chat paused after resume")
	}
}
