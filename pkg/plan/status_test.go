package plan

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct {
		from, to Status
	}{
		{StatusPending, StatusReady},
		{StatusPending, StatusSkipped},
		{StatusReady, StatusInProgress},
		{StatusInProgress, StatusVerifying},
		{StatusInProgress, StatusFailed},
		{StatusVerifying, StatusCompleted},
		{StatusVerifying, StatusFailed},
		{StatusFailed, StatusInProgress},
		{StatusFailed, StatusFailedTerminal},
	}
	for _, tt := range allowed {
		if !tt.from.CanTransition(tt.to) {
			t.Errorf("%s -> %s should be allowed", tt.from, tt.to)
		}
	}

	denied := []struct {
		from, to Status
	}{
		{StatusPending, StatusInProgress},
		{StatusPending, StatusCompleted},
		{StatusReady, StatusCompleted},
		{StatusInProgress, StatusCompleted},
		{StatusVerifying, StatusSkipped},
		{StatusCompleted, StatusPending},
		{StatusCompleted, StatusInProgress},
		{StatusSkipped, StatusReady},
		{StatusFailedTerminal, StatusInProgress},
		{StatusFailedTerminal, StatusPending},
	}
	for _, tt := range denied {
		if tt.from.CanTransition(tt.to) {
			t.Errorf("%s -> %s should be denied", tt.from, tt.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusSkipped, StatusFailedTerminal}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	transient := []Status{StatusPending, StatusReady, StatusInProgress, StatusVerifying, StatusFailed}
	for _, s := range transient {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestMarkerMapping(t *testing.T) {
	// Durable statuses keep their own marker.
	durable := map[Status]byte{
		StatusPending:        MarkerPending,
		StatusCompleted:      MarkerCompleted,
		StatusSkipped:        MarkerSkipped,
		StatusFailedTerminal: MarkerFailedTerminal,
	}
	for s, marker := range durable {
		if got := s.Marker(); got != marker {
			t.Errorf("%s marker = %q, want %q", s, got, marker)
		}
		back, err := StatusFromMarker(marker)
		if err != nil {
			t.Errorf("StatusFromMarker(%q) error = %v", marker, err)
		}
		if back != s {
			t.Errorf("StatusFromMarker(%q) = %s, want %s", marker, back, s)
		}
	}

	// Transient statuses persist as pending.
	for _, s := range []Status{StatusReady, StatusInProgress, StatusVerifying, StatusFailed} {
		if got := s.Marker(); got != MarkerPending {
			t.Errorf("%s marker = %q, want pending", s, got)
		}
	}

	if s, err := StatusFromMarker('X'); err != nil || s != StatusCompleted {
		t.Errorf("StatusFromMarker('X') = %s, %v; want completed", s, err)
	}
	if _, err := StatusFromMarker('?'); err == nil {
		t.Error("StatusFromMarker('?') should fail")
	}
}
