package coordinator

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStateWatchOnlyOnChange(t *testing.T) {
	s := newState(Snapshot{Phase: PhaseIdle})
	var seen []Phase
	s.Watch(func(snap Snapshot) { seen = append(seen, snap.Phase) })

	s.update(func(snap *Snapshot) { snap.Phase = PhaseArmedListening })
	s.update(func(snap *Snapshot) { snap.Phase = PhaseArmedListening })
	s.update(func(snap *Snapshot) { snap.Phase = PhaseRecording })

	if diff := cmp.Diff([]Phase{PhaseArmedListening, PhaseRecording}, seen); diff != "" {
		t.Errorf("watched phases mismatch (-want +got):\n%s", diff)
	}
	if got := s.Phase(); got != PhaseRecording {
		t.Errorf("Phase() = %v, want recording", got)
	}
}

func TestPhaseString(t *testing.T) {
	if got := PhaseCooldownSuppressed.String(); got != "cooldown_suppressed" {
		t.Errorf("String() = %q", got)
	}
	if got := Phase(99).String(); got != "unknown" {
		t.Errorf("String() = %q", got)
	}
}
