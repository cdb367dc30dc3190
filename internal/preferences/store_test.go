package preferences

import (
	"testing"

	"github.com/loqalabs/accessbridge/internal/config"
)

func TestDefaults(t *testing.T) {
	st := NewStore(Defaults()).Get()
	want := State{TextScale: 16, ColorVisionFilter: FilterNone, SpeechRate: 1.0}
	if st != want {
		t.Fatalf("unexpected defaults: %+v", st)
	}
}

func TestSetReplacesOnlyGivenFields(t *testing.T) {
	s := NewStore(Defaults())
	before := s.Get()

	on := true
	after := s.Set(Patch{HighContrast: &on})

	if !after.HighContrast {
		t.Fatal("expected high contrast enabled")
	}
	if after.Version != before.Version+1 {
		t.Fatalf("expected version bump, got %d -> %d", before.Version, after.Version)
	}
	after.HighContrast = false
	after.Version = before.Version
	if after != before {
		t.Fatalf("expected other fields untouched, got %+v", after)
	}
	if got := s.Get(); !got.HighContrast {
		t.Fatal("expected Get to reflect the new state")
	}
}

func TestSetClampsNumericFields(t *testing.T) {
	s := NewStore(Defaults())

	big, tiny := 99, 2
	if got := s.Set(Patch{TextScale: &big}).TextScale; got != MaxTextScale {
		t.Fatalf("expected text scale clamped to %d, got %d", MaxTextScale, got)
	}
	if got := s.Set(Patch{TextScale: &tiny}).TextScale; got != MinTextScale {
		t.Fatalf("expected text scale clamped to %d, got %d", MinTextScale, got)
	}

	fast, slow := 3.5, 0.1
	if got := s.Set(Patch{SpeechRate: &fast}).SpeechRate; got != MaxSpeechRate {
		t.Fatalf("expected speech rate clamped to %v, got %v", MaxSpeechRate, got)
	}
	if got := s.Set(Patch{SpeechRate: &slow}).SpeechRate; got != MinSpeechRate {
		t.Fatalf("expected speech rate clamped to %v, got %v", MinSpeechRate, got)
	}
}

func TestSetIgnoresUnknownFilter(t *testing.T) {
	s := NewStore(Defaults())
	deut := FilterDeuteranopia
	s.Set(Patch{ColorVisionFilter: &deut})

	bogus := ColorFilter("sepia")
	if got := s.Set(Patch{ColorVisionFilter: &bogus}).ColorVisionFilter; got != FilterDeuteranopia {
		t.Fatalf("expected filter to stay deuteranopia, got %s", got)
	}
}

func TestSubscribersNotifiedOnChangeOnly(t *testing.T) {
	s := NewStore(Defaults())
	var seen []State
	cancel := s.Subscribe(func(st State) { seen = append(seen, st) })

	on := true
	s.Set(Patch{ScreenReaderAnnouncements: &on})
	s.Set(Patch{ScreenReaderAnnouncements: &on})

	if len(seen) != 1 {
		t.Fatalf("expected a single notification, got %d", len(seen))
	}
	if !seen[0].ScreenReaderAnnouncements {
		t.Fatal("expected notification to carry the new state")
	}

	cancel()
	off := false
	s.Set(Patch{ScreenReaderAnnouncements: &off})
	if len(seen) != 1 {
		t.Fatalf("expected no notification after unsubscribe, got %d", len(seen))
	}
}

func TestFromConfigNormalizes(t *testing.T) {
	st := FromConfig(config.PreferencesConfig{TextScale: 40, ColorVisionFilter: "", SpeechRate: 0})
	if st.TextScale != MaxTextScale {
		t.Fatalf("expected clamped text scale, got %d", st.TextScale)
	}
	if st.ColorVisionFilter != FilterNone {
		t.Fatalf("expected empty filter to become none, got %q", st.ColorVisionFilter)
	}
	if st.SpeechRate != MinSpeechRate {
		t.Fatalf("expected clamped speech rate, got %v", st.SpeechRate)
	}
}
