package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/accessbridge/internal/config"
	"github.com/loqalabs/accessbridge/internal/preferences"
)

// ErrUnsupported is returned by Start when no recognition device exists.
var ErrUnsupported = errors.New("speech recognition is not supported")

// DeviceError wraps a failure reported by the recognition device. It is not
// fatal: the controller is back in StateIdle and Start may be retried.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string {
	return "speech recognition device error: " + e.Err.Error()
}

func (e *DeviceError) Unwrap() error { return e.Err }

type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
)

const (
	announceStarted = "Recording started"
	announceStopped = "Recording stopped"
)

// Announcer speaks short status messages.
type Announcer interface {
	Speak(text string, rate float64) bool
}

// PreferenceSource exposes the current accessibility preferences.
type PreferenceSource interface {
	Get() preferences.State
}

// Controller runs the Idle -> Listening -> Idle lifecycle around a
// recognition device and commits finalized segments to the transcript.
type Controller struct {
	device  Device
	opts    Options
	speaker Announcer
	prefs   PreferenceSource
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	session    Session
	generation uint64
	interim    string
	onError    func(error)
	onUpdate   func()

	transcript Transcript
	wg         sync.WaitGroup
	committed  metric.Int64Counter
}

func NewController(device Device, cfg config.STTConfig, speaker Announcer, prefs PreferenceSource, log *slog.Logger) *Controller {
	language := cfg.Language
	if language == "" {
		language = "en-US"
	}
	c := &Controller{
		device:  device,
		opts:    Options{Language: language, Continuous: true, InterimResults: true},
		speaker: speaker,
		prefs:   prefs,
		logger:  log.With(slog.String("component", "speech-input")),
		state:   StateIdle,
	}
	counter, err := otel.Meter("github.com/loqalabs/accessbridge/stt").Int64Counter(
		"access.stt.fragments_committed",
		metric.WithDescription("Finalized transcript fragments committed"),
	)
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
	c.committed = counter
	return c
}

// Supported is the capability check for speech recognition.
func (c *Controller) Supported() bool {
	return c != nil && c.device != nil
}

// OnError registers the handler for non-fatal device errors.
func (c *Controller) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// OnUpdate registers a hook called after state, interim or transcript change.
func (c *Controller) OnUpdate(fn func()) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Start opens a continuous recognition session. It is a no-op while already
// listening and returns ErrUnsupported without a device.
func (c *Controller) Start(ctx context.Context) error {
	if !c.Supported() {
		return ErrUnsupported
	}

	c.mu.Lock()
	if c.state == StateListening {
		c.mu.Unlock()
		return nil
	}
	session, err := c.device.Open(ctx, c.opts)
	if err != nil {
		c.mu.Unlock()
		return &DeviceError{Err: fmt.Errorf("open recognition session: %w", err)}
	}
	c.state = StateListening
	c.session = session
	c.interim = ""
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.wg.Add(1)
	go c.pump(gen, session)

	c.logger.Info("listening started", slog.String("language", c.opts.Language))
	c.announce(announceStarted)
	c.notify()
	return nil
}

// Stop closes the active session. It is a no-op when already idle.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != StateListening {
		c.mu.Unlock()
		return nil
	}
	session := c.toIdleLocked()
	c.mu.Unlock()

	err := session.Close()
	c.logger.Info("listening stopped")
	c.announce(announceStopped)
	c.notify()
	if err != nil {
		return fmt.Errorf("close recognition session: %w", err)
	}
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Interim returns the not-yet-final text of the latest result event.
func (c *Controller) Interim() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interim
}

func (c *Controller) Transcript() *Transcript {
	return &c.transcript
}

// ClearTranscript empties the committed transcript.
func (c *Controller) ClearTranscript() {
	c.transcript.Clear()
	c.mu.Lock()
	c.interim = ""
	c.mu.Unlock()
	c.notify()
}

// Close stops listening and waits for the event pump to exit.
func (c *Controller) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	var session Session
	if c.state == StateListening {
		session = c.toIdleLocked()
	}
	c.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}
	c.wg.Wait()
}

func (c *Controller) toIdleLocked() Session {
	session := c.session
	c.state = StateIdle
	c.session = nil
	c.interim = ""
	c.generation++
	return session
}

func (c *Controller) pump(gen uint64, session Session) {
	defer c.wg.Done()
	for ev := range session.Events() {
		switch ev.Kind {
		case EventResult:
			c.handleResult(gen, ev.Segments)
		case EventError:
			c.handleTermination(gen, session, ev.Err)
		case EventEnd:
			c.handleTermination(gen, session, nil)
		}
	}
}

func (c *Controller) handleResult(gen uint64, segments []Segment) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	var interim strings.Builder
	var committed int64
	for _, seg := range segments {
		if seg.Final {
			if c.transcript.Append(seg.Text) {
				committed++
			}
			continue
		}
		interim.WriteString(seg.Text)
	}
	c.interim = interim.String()
	c.mu.Unlock()

	if committed > 0 && c.committed != nil {
		c.committed.Add(context.Background(), committed)
	}
	c.notify()
}

// handleTermination forces Idle when the device errors or ends on its own.
func (c *Controller) handleTermination(gen uint64, session Session, cause error) {
	c.mu.Lock()
	if c.generation != gen || c.state != StateListening {
		c.mu.Unlock()
		return
	}
	c.toIdleLocked()
	handler := c.onError
	c.mu.Unlock()

	// Close unblocks device senders before waiting for them, so it is safe
	// to call from the pump.
	_ = session.Close()

	if cause != nil {
		c.logger.Warn("recognition device error", slogError(cause))
	} else {
		c.logger.Info("recognition ended by device")
	}
	c.announce(announceStopped)
	c.notify()
	if cause != nil && handler != nil {
		handler(&DeviceError{Err: cause})
	}
}

func (c *Controller) announce(text string) {
	if c.speaker == nil || c.prefs == nil {
		return
	}
	st := c.prefs.Get()
	if !st.ScreenReaderAnnouncements {
		return
	}
	c.speaker.Speak(text, st.SpeechRate)
}

func (c *Controller) notify() {
	c.mu.Lock()
	hook := c.onUpdate
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
}
