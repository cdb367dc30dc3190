package captions

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// PositionSource reports the current media playback position in seconds.
type PositionSource interface {
	Position() float64
}

// Playhead tracks a media element's position from play/pause/seek reports,
// extrapolating with the clock while playing.
type Playhead struct {
	clk clock.Clock

	mu      sync.Mutex
	base    float64
	since   time.Time
	playing bool
}

func NewPlayhead(clk clock.Clock) *Playhead {
	if clk == nil {
		clk = clock.New()
	}
	return &Playhead{clk: clk}
}

func (p *Playhead) Play(position float64) {
	p.mu.Lock()
	p.base = clampPosition(position)
	p.since = p.clk.Now()
	p.playing = true
	p.mu.Unlock()
}

func (p *Playhead) Pause(position float64) {
	p.mu.Lock()
	p.base = clampPosition(position)
	p.playing = false
	p.mu.Unlock()
}

// Seek moves the position without changing the play state.
func (p *Playhead) Seek(position float64) {
	p.mu.Lock()
	p.base = clampPosition(position)
	p.since = p.clk.Now()
	p.mu.Unlock()
}

func (p *Playhead) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Playhead) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return p.base
	}
	return p.base + p.clk.Since(p.since).Seconds()
}

func clampPosition(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	return v
}
