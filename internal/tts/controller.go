package tts

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/accessbridge/internal/preferences"
)

// Utterances always play at unit pitch and volume; only the rate follows
// preferences.
const (
	unitPitch  = 1.0
	unitVolume = 1.0
)

// Controller serializes speech output so at most one utterance is active.
// A nil device means speech synthesis is unsupported on this host.
type Controller struct {
	device Device
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// serial orders Speak/Stop calls; mu guards the fields below it.
	serial  sync.Mutex
	mu      sync.Mutex
	active  *playback
	onEvent func(Event)

	signals metric.Int64Counter
}

type playback struct {
	utterance Utterance
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewController(device Device, log *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		device: device,
		logger: log.With(slog.String("component", "speech-output")),
		ctx:    ctx,
		cancel: cancel,
	}
	counter, err := otel.Meter("github.com/loqalabs/accessbridge/tts").Int64Counter(
		"access.tts.signals",
		metric.WithDescription("Utterance lifecycle signals by kind"),
	)
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
	c.signals = counter
	return c
}

// Supported is the capability check for speech synthesis.
func (c *Controller) Supported() bool {
	return c != nil && c.device != nil
}

// OnEvent registers a hook for device signals.
func (c *Controller) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// Speak cancels whatever is playing and starts text at rate. Empty text is a
// no-op. The return value is false only when synthesis is unsupported.
func (c *Controller) Speak(text string, rate float64) bool {
	if !c.Supported() {
		return false
	}
	if strings.TrimSpace(text) == "" {
		return true
	}

	c.serial.Lock()
	defer c.serial.Unlock()

	c.cancelActive()
	if c.ctx.Err() != nil {
		return true
	}

	u := Utterance{
		ID:     uuid.NewString(),
		Text:   text,
		Rate:   preferences.ClampSpeechRate(rate),
		Pitch:  unitPitch,
		Volume: unitVolume,
	}
	ctx, cancel := context.WithCancel(c.ctx)
	pb := &playback{utterance: u, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.active = pb
	c.mu.Unlock()

	c.logger.Debug("utterance queued", slog.String("utterance_id", u.ID), slog.Float64("rate", u.Rate))
	go func() {
		defer close(pb.done)
		defer cancel()
		c.device.Play(ctx, u, func(ev Event) {
			// Terminal signals release the slot first so hooks observe
			// the controller as idle.
			if ev.Signal != SignalStart {
				c.release(pb)
			}
			c.handleEvent(ev)
		})
		c.release(pb)
	}()
	return true
}

// Stop cancels the active utterance. It is a no-op when nothing is playing.
func (c *Controller) Stop() {
	if !c.Supported() {
		return
	}
	c.serial.Lock()
	defer c.serial.Unlock()
	c.cancelActive()
}

// Speaking returns the utterance currently playing, if any.
func (c *Controller) Speaking() (Utterance, bool) {
	if c == nil {
		return Utterance{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Utterance{}, false
	}
	return c.active.utterance, true
}

// Close cancels playback and prevents further utterances.
func (c *Controller) Close() {
	if c == nil {
		return
	}
	c.serial.Lock()
	defer c.serial.Unlock()
	c.cancel()
	c.cancelActive()
}

func (c *Controller) release(pb *playback) {
	c.mu.Lock()
	if c.active == pb {
		c.active = nil
	}
	c.mu.Unlock()
}

// cancelActive must be called with serial held. It waits for the device to
// return so no audio of the cancelled utterance follows.
func (c *Controller) cancelActive() {
	c.mu.Lock()
	pb := c.active
	c.active = nil
	c.mu.Unlock()
	if pb == nil {
		return
	}
	pb.cancel()
	<-pb.done
}

func (c *Controller) handleEvent(ev Event) {
	if c.signals != nil {
		c.signals.Add(context.Background(), 1, metric.WithAttributes(attribute.String("signal", string(ev.Signal))))
	}
	if ev.Err != nil {
		c.logger.Warn("utterance failed", slog.String("utterance_id", ev.UtteranceID), slogError(ev.Err))
	} else {
		c.logger.Debug("utterance signal", slog.String("utterance_id", ev.UtteranceID), slog.String("signal", string(ev.Signal)))
	}
	c.mu.Lock()
	hook := c.onEvent
	c.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}
