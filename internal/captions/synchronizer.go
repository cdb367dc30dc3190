package captions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const DefaultTickInterval = 16 * time.Millisecond

// Active is the caption resolved for one position sample. Found is false in
// gaps and when no captions are loaded.
type Active struct {
	Position float64
	Caption  Caption
	Found    bool
}

func (a Active) Text() string {
	if !a.Found {
		return ""
	}
	return a.Caption.Text
}

// Synchronizer resolves the active caption on every tick while playback runs.
// Ticks stop on Pause and resume on Play; nothing but the caption list
// survives a pause.
type Synchronizer struct {
	clk      clock.Clock
	interval time.Duration
	sink     func(Active)
	logger   *slog.Logger

	// sampleMu is held from the list read through sink delivery so the
	// sink sees samples in the order their lists were installed.
	sampleMu sync.Mutex

	mu      sync.Mutex
	list    *List
	source  PositionSource
	ticker  *clock.Ticker
	stop    chan struct{}
	current Active
	closed  bool
	wg      sync.WaitGroup

	samples metric.Int64Counter
}

func NewSynchronizer(clk clock.Clock, interval time.Duration, sink func(Active), log *slog.Logger) *Synchronizer {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	s := &Synchronizer{
		clk:      clk,
		interval: interval,
		sink:     sink,
		logger:   log.With(slog.String("component", "caption-sync")),
	}
	counter, err := otel.Meter("github.com/loqalabs/accessbridge/captions").Int64Counter(
		"access.captions.samples",
		metric.WithDescription("Caption position samples evaluated"),
	)
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	s.samples = counter
	return s
}

// SetCaptions replaces the caption list wholesale. A nil list clears it.
// While paused the last resolved caption is re-evaluated without publishing.
func (s *Synchronizer) SetCaptions(list *List) {
	s.sampleMu.Lock()
	s.mu.Lock()
	s.list = list
	playing := s.ticker != nil
	if !playing {
		c, ok := list.At(s.current.Position)
		s.current = Active{Position: s.current.Position, Caption: c, Found: ok}
	}
	s.mu.Unlock()
	s.sampleMu.Unlock()
	s.logger.Debug("caption list replaced", slog.Int("captions", list.Len()))
	if playing {
		s.tick()
	}
}

func (s *Synchronizer) Captions() *List {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list
}

// Attach sets the position source sampled on each tick.
func (s *Synchronizer) Attach(source PositionSource) {
	s.mu.Lock()
	s.source = source
	s.mu.Unlock()
}

// Play samples immediately and starts the tick loop. Calling Play while
// already playing only resamples.
func (s *Synchronizer) Play() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.ticker == nil {
		s.ticker = s.clk.Ticker(s.interval)
		s.stop = make(chan struct{})
		s.wg.Add(1)
		go s.run(s.ticker, s.stop)
	}
	s.mu.Unlock()
	s.tick()
}

// Pause stops ticking. The last resolved caption stays readable via Current.
func (s *Synchronizer) Pause() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

func (s *Synchronizer) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticker != nil
}

// Sample resolves t against the current list and publishes the result. The
// sink must not call back into the Synchronizer.
func (s *Synchronizer) Sample(t float64) Active {
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()

	s.mu.Lock()
	list := s.list
	s.mu.Unlock()

	c, ok := list.At(t)
	active := Active{Position: t, Caption: c, Found: ok}

	s.mu.Lock()
	s.current = active
	sink := s.sink
	s.mu.Unlock()

	if s.samples != nil {
		s.samples.Add(context.Background(), 1)
	}
	if sink != nil {
		sink(active)
	}
	return active
}

// Current returns the most recently resolved caption.
func (s *Synchronizer) Current() Active {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	s.stopLocked()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Synchronizer) stopLocked() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	close(s.stop)
	s.stop = nil
}

// run exits on stop; Ticker.Stop does not close C.
func (s *Synchronizer) run(ticker *clock.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		select {
		case <-stop:
			return
		default:
		}
		s.tick()
	}
}

func (s *Synchronizer) tick() {
	s.mu.Lock()
	source := s.source
	s.mu.Unlock()
	if source == nil {
		return
	}
	s.Sample(source.Position())
}
