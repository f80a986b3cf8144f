package hud_test

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/jaga/internal/evidence"
	"github.com/MrWong99/jaga/internal/hud"
	"github.com/MrWong99/jaga/pkg/live"
)

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestState_SubtitleScenario(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	s := hud.NewState(hud.WithClock(clk))
	defer s.Close()

	s.Apply(live.TranscriptDelta{Role: live.RoleUser, Text: "hello"})
	s.Apply(live.TranscriptDelta{Role: live.RoleModel, Text: "I'm here"})
	s.Apply(live.TurnComplete{})

	got := s.Snapshot().Subtitles
	if got.User != "hello" || got.Model != "I'm here" {
		t.Fatalf("subtitles after turn: got %+v", got)
	}

	clk.Add(hud.DefaultSubtitleClearDelay - 100*time.Millisecond)
	if got := s.Snapshot().Subtitles; got.User != "hello" || got.Model != "I'm here" {
		t.Fatalf("subtitles cleared too early: %+v", got)
	}

	clk.Add(100 * time.Millisecond)
	waitUntil(t, func() bool { return s.Snapshot().Subtitles == hud.Subtitles{} }, "subtitles cleared")
}

func TestState_DeltasAppendWithinTurn(t *testing.T) {
	t.Parallel()

	s := hud.NewState(hud.WithClock(clock.NewMock()))
	defer s.Close()

	s.Apply(live.TranscriptDelta{Role: live.RoleModel, Text: "Stay"})
	s.Apply(live.TranscriptDelta{Role: live.RoleModel, Text: " calm."})
	if got := s.Snapshot().Subtitles.Model; got != "Stay calm." {
		t.Errorf("model subtitle: got %q, want %q", got, "Stay calm.")
	}

	s.Apply(live.TurnComplete{})
	s.Apply(live.TranscriptDelta{Role: live.RoleModel, Text: " Next"})
	if got := s.Snapshot().Subtitles.Model; got != "Next" {
		t.Errorf("new turn must replace caption: got %q", got)
	}
}

func TestState_NewDeltaCancelsClear(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	s := hud.NewState(hud.WithClock(clk), hud.WithSubtitleClearDelay(3*time.Second))
	defer s.Close()

	s.Apply(live.TranscriptDelta{Role: live.RoleModel, Text: "one"})
	s.Apply(live.TurnComplete{})
	clk.Add(2 * time.Second)
	s.Apply(live.TranscriptDelta{Role: live.RoleUser, Text: "wait"})
	clk.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)

	got := s.Snapshot().Subtitles
	if got.User != "wait" || got.Model != "one" {
		t.Errorf("clear must be cancelled by a new delta, got %+v", got)
	}
}

func TestState_InterruptedClearsModelSubtitle(t *testing.T) {
	t.Parallel()

	s := hud.NewState(hud.WithClock(clock.NewMock()))
	defer s.Close()

	s.Apply(live.TranscriptDelta{Role: live.RoleUser, Text: "stop"})
	s.Apply(live.TranscriptDelta{Role: live.RoleModel, Text: "Okay so"})
	s.Apply(live.Interrupted{})

	got := s.Snapshot().Subtitles
	if got.Model != "" || got.User != "stop" {
		t.Errorf("got %+v, want only the user subtitle", got)
	}
}

func TestState_MarkerExpires(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	s := hud.NewState(hud.WithClock(clk))
	defer s.Close()

	m := s.SetMarker(hud.Marker{Target: "license_plate", Label: "Plate"})
	if want := clk.Now().Add(hud.DefaultMarkerTTL); !m.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt: got %v, want %v", m.ExpiresAt, want)
	}
	if s.Snapshot().Marker == nil {
		t.Fatal("marker not set")
	}

	clk.Add(hud.DefaultMarkerTTL)
	waitUntil(t, func() bool { return s.Snapshot().Marker == nil }, "marker expired")
}

func TestState_MarkerSuperseded(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	s := hud.NewState(hud.WithClock(clk))
	defer s.Close()

	s.SetMarker(hud.Marker{Target: "witness", Label: "A"})
	clk.Add(5 * time.Second)
	s.SetMarker(hud.Marker{Target: "road_tax", Label: "B"})

	// The first marker's expiry would have fired here.
	clk.Add(3 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if m := s.Snapshot().Marker; m == nil || m.Label != "B" {
		t.Fatalf("want marker B to survive the old expiry, got %+v", m)
	}

	clk.Add(5 * time.Second)
	waitUntil(t, func() bool { return s.Snapshot().Marker == nil }, "marker B expired")
}

func TestState_MarkerTTLClamped(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want time.Duration
	}{
		{time.Second, hud.MinMarkerTTL},
		{10 * time.Second, 10 * time.Second},
		{time.Minute, hud.MaxMarkerTTL},
	}
	for _, tc := range tests {
		s := hud.NewState(hud.WithMarkerTTL(tc.in))
		if got := s.MarkerTTL(); got != tc.want {
			t.Errorf("WithMarkerTTL(%v): got %v, want %v", tc.in, got, tc.want)
		}
		s.Close()
	}
}

func TestState_OverlayAndStatus(t *testing.T) {
	t.Parallel()

	s := hud.NewState()
	defer s.Close()

	var (
		mu    sync.Mutex
		snaps []hud.Snapshot
	)
	s.OnChange(func(snap hud.Snapshot) {
		mu.Lock()
		snaps = append(snaps, snap)
		mu.Unlock()
	})

	pts := []string{"Airbag deployed"}
	s.SetOverlay(hud.Overlay{Title: "Status", DataPoints: pts, Severity: "HIGH"})
	pts[0] = "mutated"
	s.SetStatus(hud.StatusRetrying, "rate limited")
	s.SetStatus(hud.StatusRetrying, "rate limited")

	snap := s.Snapshot()
	if snap.Overlay == nil || snap.Overlay.DataPoints[0] != "Airbag deployed" {
		t.Errorf("overlay: got %+v", snap.Overlay)
	}
	if snap.Status != hud.StatusRetrying || snap.StatusMessage != "rate limited" {
		t.Errorf("status: got %s %q", snap.Status, snap.StatusMessage)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) != 2 {
		t.Errorf("listener calls: got %d, want 2 (duplicate status is not a change)", len(snaps))
	}
}

func TestState_CloseClearsDisplay(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	s := hud.NewState(hud.WithClock(clk))
	s.SetMarker(hud.Marker{Target: "t", Label: "l"})
	s.SetOverlay(hud.Overlay{Title: "x"})
	s.Close()
	s.Close()

	snap := s.Snapshot()
	if snap.Marker != nil || snap.Overlay != nil {
		t.Errorf("Close must clear marker and overlay, got %+v", snap)
	}
	s.SetMarker(hud.Marker{Target: "t", Label: "l"})
	if s.Snapshot().Marker != nil {
		t.Error("SetMarker after Close must be ignored")
	}
}

func TestState_EvidenceInSnapshot(t *testing.T) {
	t.Parallel()

	v := evidence.NewVault("s")
	s := hud.NewState(hud.WithVault(v))
	defer s.Close()

	rec, _ := evidence.NewRecord("plate", "XYZ", "", time.Now())
	if err := s.LogEvidence(rec); err != nil {
		t.Fatal(err)
	}
	if got := s.Snapshot().Evidence; len(got) != 1 || got[0].ID != rec.ID {
		t.Errorf("evidence: got %+v", got)
	}
	if s.Vault() != v {
		t.Error("Vault must return the configured vault")
	}
}

func TestStatus_Blocking(t *testing.T) {
	t.Parallel()

	if !hud.StatusPermissionDenied.Blocking() {
		t.Error("PERMISSION_DENIED must be blocking")
	}
	if hud.StatusRetrying.Blocking() || hud.StatusDegraded.Blocking() {
		t.Error("transient statuses must not be blocking")
	}
}
