package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/accessbridge/internal/bus"
	"github.com/loqalabs/accessbridge/internal/config"
	"github.com/loqalabs/accessbridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Options configure a recognition session.
type Options struct {
	Language       string
	Continuous     bool
	InterimResults bool
}

// Segment is one recognition result. Final segments will not be revised.
type Segment struct {
	Text  string
	Final bool
}

type EventKind int

const (
	EventResult EventKind = iota
	EventError
	EventEnd
)

// Event is delivered by a recognition session in device order.
type Event struct {
	Kind     EventKind
	Segments []Segment
	Err      error
}

// Session is an open recognition session. Events is closed after Close.
type Session interface {
	Events() <-chan Event
	Close() error
}

// Device opens recognition sessions.
type Device interface {
	Open(ctx context.Context, opts Options) (Session, error)
}

// BusDevice recognizes speech from PCM frames published on audio.frame.>.
type BusDevice struct {
	cfg         config.STTConfig
	bus         *bus.Client
	transcriber Transcriber
	logger      *slog.Logger
}

func NewBusDevice(cfg config.STTConfig, busClient *bus.Client, transcriber Transcriber, log *slog.Logger) *BusDevice {
	return &BusDevice{
		cfg:         cfg,
		bus:         busClient,
		transcriber: transcriber,
		logger:      log.With(slog.String("component", "stt-device")),
	}
}

func (d *BusDevice) Open(ctx context.Context, opts Options) (Session, error) {
	sctx, cancel := context.WithCancel(context.Background())
	s := &busSession{
		device:  d,
		opts:    opts,
		ctx:     sctx,
		cancel:  cancel,
		events:  make(chan Event, 32),
		sources: make(map[string]*sourceState),
	}
	if err := ctx.Err(); err != nil {
		cancel()
		return nil, err
	}
	sub, err := d.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	d.logger.Debug("recognition session opened", slog.String("language", opts.Language))
	return s, nil
}

type busSession struct {
	device *BusDevice
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	events chan Event
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	sources map[string]*sourceState
}

type sourceState struct {
	Buffer       []byte
	LastPartial  time.Time
	Inflight     bool
	PendingFinal bool
}

func (s *busSession) Events() <-chan Event {
	return s.events
}

func (s *busSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	if s.sub != nil {
		err = s.sub.Unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
	close(s.events)
	return err
}

func (s *busSession) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.device.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	state := s.sources[frame.SessionID]
	if state == nil {
		state = &sourceState{}
		s.sources[frame.SessionID] = state
	}
	state.Buffer = append(state.Buffer, frame.PCM...)
	s.mu.Unlock()

	if s.opts.InterimResults && !frame.Final && s.shouldSchedulePartial(frame.SessionID) {
		s.scheduleTranscription(frame.SessionID, false)
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

func (s *busSession) shouldSchedulePartial(source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sources[source]
	if state == nil || state.Inflight {
		return false
	}
	if state.LastPartial.IsZero() {
		state.LastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.device.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.LastPartial) >= interval {
		state.LastPartial = time.Now()
		return true
	}
	return false
}

func (s *busSession) scheduleTranscription(source string, final bool) {
	s.mu.Lock()
	state := s.sources[source]
	if s.closed || state == nil {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		if final {
			state.PendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.Buffer...)
	state.Inflight = true
	if final {
		// Continuous mode: the next utterance starts from an empty buffer.
		state.Buffer = nil
		state.PendingFinal = false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		cfg := s.device.cfg
		result, err := s.device.transcriber.Transcribe(ctx, pcm, cfg.SampleRate, cfg.Channels, final)
		if err != nil {
			if s.ctx.Err() == nil {
				s.device.logger.Warn("stt transcription failed", slogError(err))
				s.emit(Event{Kind: EventError, Err: err})
			}
		} else if text := strings.TrimSpace(result.Text); text != "" {
			s.emit(Event{Kind: EventResult, Segments: []Segment{{Text: text, Final: final}}})
			s.publishTranscript(source, text, final)
		}
		if final && err == nil && !s.opts.Continuous {
			s.emit(Event{Kind: EventEnd})
		}

		s.mu.Lock()
		var pendingFinal bool
		if state := s.sources[source]; state != nil {
			state.Inflight = false
			pendingFinal = state.PendingFinal
			if !final {
				state.LastPartial = time.Now()
			}
		}
		s.mu.Unlock()

		if pendingFinal {
			s.scheduleTranscription(source, true)
		}
	}()
}

func (s *busSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *busSession) publishTranscript(source, text string, final bool) {
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID: source,
		Text:      text,
		Partial:   !final,
		Timestamp: time.Now().UTC(),
	}
	if err := s.device.bus.PublishJSON(subject, msg); err != nil {
		s.device.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
