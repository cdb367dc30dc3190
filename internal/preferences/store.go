package preferences

import (
	"sync"

	"github.com/loqalabs/accessbridge/internal/config"
)

const (
	MinTextScale  = 12
	MaxTextScale  = 32
	MinSpeechRate = 0.5
	MaxSpeechRate = 2.0
)

// ColorFilter selects the color-vision accommodation applied to every view.
type ColorFilter string

const (
	FilterNone         ColorFilter = "none"
	FilterProtanopia   ColorFilter = "protanopia"
	FilterDeuteranopia ColorFilter = "deuteranopia"
	FilterTritanopia   ColorFilter = "tritanopia"
)

// Valid reports whether f is one of the known filters.
func (f ColorFilter) Valid() bool {
	switch f {
	case FilterNone, FilterProtanopia, FilterDeuteranopia, FilterTritanopia:
		return true
	}
	return false
}

// State is the complete set of accommodations. Every field is always defined.
type State struct {
	Version                   uint64      `json:"version"`
	TextScale                 int         `json:"text_scale"`
	HighContrast              bool        `json:"high_contrast"`
	ColorVisionFilter         ColorFilter `json:"color_vision_filter"`
	ScreenReaderAnnouncements bool        `json:"screen_reader_announcements"`
	SpeechRate                float64     `json:"speech_rate"`
}

// Patch carries the fields a user toggle changes; nil fields are left alone.
type Patch struct {
	TextScale                 *int         `json:"text_scale,omitempty"`
	HighContrast              *bool        `json:"high_contrast,omitempty"`
	ColorVisionFilter         *ColorFilter `json:"color_vision_filter,omitempty"`
	ScreenReaderAnnouncements *bool        `json:"screen_reader_announcements,omitempty"`
	SpeechRate                *float64     `json:"speech_rate,omitempty"`
}

func Defaults() State {
	return State{
		TextScale:         16,
		ColorVisionFilter: FilterNone,
		SpeechRate:        1.0,
	}
}

// FromConfig builds the session's initial state from configuration.
func FromConfig(cfg config.PreferencesConfig) State {
	return normalize(State{
		TextScale:                 cfg.TextScale,
		HighContrast:              cfg.HighContrast,
		ColorVisionFilter:         ColorFilter(cfg.ColorVisionFilter),
		ScreenReaderAnnouncements: cfg.ScreenReaderAnnouncements,
		SpeechRate:                cfg.SpeechRate,
	})
}

type subscriber struct {
	id int
	fn func(State)
}

// Store holds the single versioned preference state for a session.
type Store struct {
	mu     sync.Mutex
	notify sync.Mutex
	state  State
	subs   []subscriber
	nextID int
}

func NewStore(initial State) *Store {
	return &Store{state: normalize(initial)}
}

func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Set replaces the given fields and returns the new full state. Subscribers
// are notified synchronously, in subscription order, when anything changed.
func (s *Store) Set(p Patch) State {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	next := s.state
	if p.TextScale != nil {
		next.TextScale = *p.TextScale
	}
	if p.HighContrast != nil {
		next.HighContrast = *p.HighContrast
	}
	if p.ColorVisionFilter != nil && p.ColorVisionFilter.Valid() {
		next.ColorVisionFilter = *p.ColorVisionFilter
	}
	if p.ScreenReaderAnnouncements != nil {
		next.ScreenReaderAnnouncements = *p.ScreenReaderAnnouncements
	}
	if p.SpeechRate != nil {
		next.SpeechRate = *p.SpeechRate
	}
	next = normalize(next)
	if sameFields(next, s.state) {
		current := s.state
		s.mu.Unlock()
		return current
	}
	next.Version = s.state.Version + 1
	s.state = next
	subs := append([]subscriber(nil), s.subs...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(next)
	}
	return next
}

// Subscribe registers fn for change notifications. The returned func removes it.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func normalize(st State) State {
	st.TextScale = ClampTextScale(st.TextScale)
	st.SpeechRate = ClampSpeechRate(st.SpeechRate)
	if !st.ColorVisionFilter.Valid() {
		st.ColorVisionFilter = FilterNone
	}
	return st
}

func ClampTextScale(v int) int {
	if v < MinTextScale {
		return MinTextScale
	}
	if v > MaxTextScale {
		return MaxTextScale
	}
	return v
}

func ClampSpeechRate(v float64) float64 {
	if v != v || v < MinSpeechRate {
		return MinSpeechRate
	}
	if v > MaxSpeechRate {
		return MaxSpeechRate
	}
	return v
}

func sameFields(a, b State) bool {
	a.Version, b.Version = 0, 0
	return a == b
}
