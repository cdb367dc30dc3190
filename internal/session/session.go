// Package session composes the accessibility pipeline for one user session:
// preferences, speech output and input, caption sync, media analysis and the
// capability registry. Every change is rendered into a presentation View for
// subscribers, published on the bus and journaled.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/loqalabs/accessbridge/internal/analysis"
	"github.com/loqalabs/accessbridge/internal/bus"
	"github.com/loqalabs/accessbridge/internal/capability"
	"github.com/loqalabs/accessbridge/internal/captions"
	"github.com/loqalabs/accessbridge/internal/config"
	"github.com/loqalabs/accessbridge/internal/eventstore"
	"github.com/loqalabs/accessbridge/internal/preferences"
	"github.com/loqalabs/accessbridge/internal/presentation"
	"github.com/loqalabs/accessbridge/internal/protocol"
	"github.com/loqalabs/accessbridge/internal/stt"
	"github.com/loqalabs/accessbridge/internal/tts"
)

const (
	PlaybackPlaying = "playing"
	PlaybackPaused  = "paused"
)

var ErrInvalidPlayback = errors.New("playback state must be playing or paused")

// Dependencies are the devices and services a session drives. Nil devices
// mark the matching capability unsupported.
type Dependencies struct {
	SessionID   string
	Bus         *bus.Client
	Journal     *eventstore.Store
	Speech      tts.Device
	Recognition stt.Device
	Analysis    analysis.Service
	Prober      capability.Prober
	Clock       clock.Clock
}

type Session struct {
	id     string
	cfg    config.Config
	bus    *bus.Client
	store  *eventstore.Store
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	prefs    *preferences.Store
	speech   *tts.Controller
	listen   *stt.Controller
	playhead *captions.Playhead
	captions *captions.Synchronizer
	pipeline *analysis.Pipeline
	registry *capability.Registry
	monitor  *capability.Monitor

	unsubscribePrefs func()

	mu             sync.Mutex
	subs           map[int]func(presentation.View)
	nextSub        int
	lastCaption    captions.Active
	lastTranscript string
	listenErr      string
	closed         bool
}

func New(parent context.Context, cfg config.Config, deps Dependencies, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := deps.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := logger.With(slog.String("component", "session"), slog.String("session_id", id))

	s := &Session{
		id:     id,
		cfg:    cfg,
		bus:    deps.Bus,
		store:  deps.Journal,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]func(presentation.View)),
	}

	s.prefs = preferences.NewStore(preferences.FromConfig(cfg.Preferences))
	s.registry = capability.NewRegistry(clk, logger)
	s.speech = tts.NewController(deps.Speech, logger)
	s.listen = stt.NewController(deps.Recognition, cfg.STT, s.speech, s.prefs, logger)
	s.playhead = captions.NewPlayhead(clk)
	s.captions = captions.NewSynchronizer(clk, time.Duration(cfg.Captions.TickIntervalMS)*time.Millisecond, s.handleCaption, logger)
	s.captions.Attach(s.playhead)
	if deps.Analysis != nil {
		s.pipeline = analysis.NewPipeline(deps.Analysis, s.captions, s.speech, s.prefs, logger)
	}
	if deps.Prober != nil {
		interval := time.Duration(cfg.Analysis.HealthIntervalMS) * time.Millisecond
		s.monitor = capability.NewMonitor(deps.Prober, s.registry, clk, interval, logger)
	}

	s.registry.Set(capability.SpeechSynthesis, s.speech.Supported(), cfg.TTS.Mode)
	s.registry.Set(capability.SpeechRecognition, s.listen.Supported(), cfg.STT.Mode)
	if s.monitor == nil {
		s.registry.Set(capability.AnalysisService, s.pipeline != nil, "")
	}

	s.unsubscribePrefs = s.prefs.Subscribe(s.handlePreferences)
	s.speech.OnEvent(func(tts.Event) { s.broadcast() })
	s.listen.OnUpdate(s.handleTranscript)
	s.listen.OnError(s.handleListenError)
	if s.pipeline != nil {
		s.pipeline.OnUpdate(s.handleAnalysis)
	}
	s.registry.OnChange(func(capability.Capability) { s.broadcast() })
	return s
}

// Start opens the journal and begins polling the analysis service.
func (s *Session) Start() error {
	if err := s.store.AppendSession(s.ctx, s.id); err != nil {
		return fmt.Errorf("open session journal: %w", err)
	}
	if s.monitor != nil {
		s.monitor.Start(s.ctx)
	}
	s.record("session_started", map[string]any{"preferences": s.prefs.Get()})
	s.logger.Info("session started")
	return nil
}

// Close stops every device, halts caption sync and deletes the journal.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.subs = make(map[int]func(presentation.View))
	s.mu.Unlock()

	if s.unsubscribePrefs != nil {
		s.unsubscribePrefs()
	}
	if s.monitor != nil {
		s.monitor.Close()
	}
	s.listen.Close()
	s.speech.Close()
	s.captions.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.DeleteSession(ctx, s.id); err != nil {
		s.logger.Warn("failed to delete session journal", slogError(err))
	}
	s.cancel()
	s.logger.Info("session closed")
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Session) Preferences() preferences.State {
	return s.prefs.Get()
}

// SetPreferences applies a user toggle and returns the full new state.
func (s *Session) SetPreferences(p preferences.Patch) preferences.State {
	return s.prefs.Set(p)
}

// SpeakText speaks text at the preferred rate. False means synthesis is
// unsupported.
func (s *Session) SpeakText(text string) bool {
	return s.speech.Speak(text, s.prefs.Get().SpeechRate)
}

// SpeakTranscript reads the committed transcript aloud.
func (s *Session) SpeakTranscript() bool {
	return s.SpeakText(s.listen.Transcript().Text())
}

func (s *Session) StopSpeaking() {
	s.speech.Stop()
}

func (s *Session) StartListening(ctx context.Context) error {
	s.mu.Lock()
	s.listenErr = ""
	s.mu.Unlock()
	err := s.listen.Start(ctx)
	if err != nil {
		s.logger.Warn("failed to start listening", slogError(err))
	}
	return err
}

func (s *Session) StopListening() error {
	return s.listen.Stop()
}

func (s *Session) ClearTranscript() {
	s.listen.ClearTranscript()
	s.record("transcript_cleared", nil)
}

// AnalyzeImage blocks until the service answers. ErrSuperseded means a newer
// image request replaced this one.
func (s *Session) AnalyzeImage(ctx context.Context, filename string, data []byte) (analysis.Result, error) {
	if s.pipeline == nil {
		return analysis.Failure{Media: analysis.KindImage, Reason: "analysis service is not configured"}, nil
	}
	return s.pipeline.AnalyzeImage(ctx, filename, data)
}

func (s *Session) AnalyzeVideo(ctx context.Context, filename string, data []byte) (analysis.Result, error) {
	if s.pipeline == nil {
		return analysis.Failure{Media: analysis.KindVideo, Reason: "analysis service is not configured"}, nil
	}
	return s.pipeline.AnalyzeVideo(ctx, filename, data)
}

// Playback feeds play/pause reports from the media element.
func (s *Session) Playback(state string, position float64) error {
	switch state {
	case PlaybackPlaying:
		s.playhead.Play(position)
		s.captions.Play()
	case PlaybackPaused:
		s.playhead.Pause(position)
		s.captions.Pause()
		s.captions.Sample(s.playhead.Position())
	default:
		return ErrInvalidPlayback
	}
	s.logger.Debug("playback reported", slog.String("state", state), slog.Float64("position", position))
	s.broadcast()
	return nil
}

// Subscribe registers fn for every rendered view. The returned func removes it.
func (s *Session) Subscribe(fn func(presentation.View)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// View renders the current state.
func (s *Session) View() presentation.View {
	_, speaking := s.speech.Speaking()
	snap := presentation.Snapshot{
		Caption:      s.captions.Current(),
		CaptionCount: s.captions.Captions().Len(),
		Playing:      s.playhead.Playing(),
		Transcript:   s.listen.Transcript().Text(),
		Interim:      s.listen.Interim(),
		Listening:    s.listen.State() == stt.StateListening,
		Speaking:     speaking,
		Capabilities: make(map[capability.Name]bool),
	}
	s.mu.Lock()
	snap.ListenError = s.listenErr
	s.mu.Unlock()

	if s.pipeline != nil {
		snap.Image, _ = s.pipeline.Latest(analysis.KindImage)
		snap.Video, _ = s.pipeline.Latest(analysis.KindVideo)
		snap.ImageInFlight = s.pipeline.InFlight(analysis.KindImage)
		snap.VideoInFlight = s.pipeline.InFlight(analysis.KindVideo)
	}
	snap.ServiceStatus = capability.StatusDisconnected
	if s.monitor != nil {
		snap.ServiceStatus = s.monitor.Status()
	} else if s.pipeline != nil {
		snap.ServiceStatus = capability.StatusConnected
	}
	for _, c := range s.registry.Query(nil) {
		snap.Capabilities[c.Name] = c.Available
	}
	return presentation.Render(s.prefs.Get(), snap)
}

func (s *Session) handlePreferences(st preferences.State) {
	s.publish(protocol.SubjectPreferences, protocol.PreferencesChanged{
		SessionID: s.id,
		State:     st,
		Timestamp: time.Now().UTC(),
	})
	s.record("preferences", st)
	s.broadcast()
}

// handleCaption runs on every caption tick; only changes leave the session.
func (s *Session) handleCaption(active captions.Active) {
	s.mu.Lock()
	changed := active.Found != s.lastCaption.Found || active.Text() != s.lastCaption.Text()
	s.lastCaption = active
	s.mu.Unlock()
	if !changed {
		return
	}
	msg := protocol.ActiveCaption{
		SessionID: s.id,
		Position:  active.Position,
		Text:      active.Text(),
		Active:    active.Found,
		Timestamp: time.Now().UTC(),
	}
	s.publish(protocol.SubjectCaption, msg)
	s.record("caption", msg)
	s.broadcast()
}

func (s *Session) handleTranscript() {
	text := s.listen.Transcript().Text()
	s.mu.Lock()
	previous := s.lastTranscript
	s.lastTranscript = text
	s.mu.Unlock()

	// Only committed growth is published; a cleared transcript is journaled by
	// ClearTranscript.
	if len(text) > len(previous) && strings.HasPrefix(text, previous) {
		msg := protocol.Transcript{
			SessionID: s.id,
			Text:      text[len(previous):],
			Timestamp: time.Now().UTC(),
		}
		s.publish(protocol.SubjectTranscript, msg)
		s.record("transcript", msg)
	}
	s.broadcast()
}

func (s *Session) handleListenError(err error) {
	s.mu.Lock()
	s.listenErr = err.Error()
	s.mu.Unlock()
	s.record("listen_error", map[string]string{"error": err.Error()})
	s.broadcast()
}

func (s *Session) handleAnalysis(u analysis.Update) {
	msg := protocol.AnalysisOutcome{
		SessionID: s.id,
		Kind:      string(u.Kind),
		Status:    "published",
		Timestamp: time.Now().UTC(),
	}
	switch r := u.Result.(type) {
	case nil:
		msg.Status = "in_flight"
	case analysis.Failure:
		msg.Status = "failed"
		msg.Reason = r.Reason
	}
	s.publish(protocol.SubjectAnalysis, msg)
	s.record("analysis", msg)
	s.broadcast()
}

func (s *Session) broadcast() {
	s.mu.Lock()
	if s.closed || len(s.subs) == 0 {
		s.mu.Unlock()
		return
	}
	subs := make([]func(presentation.View), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	view := s.View()
	for _, fn := range subs {
		fn(view)
	}
}

func (s *Session) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

func (s *Session) record(eventType string, v any) {
	if !s.store.Enabled() {
		return
	}
	var payload []byte
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Warn("failed to encode journal event", slog.String("type", eventType), slogError(err))
			return
		}
		payload = data
	}
	if err := s.store.AppendEvent(s.ctx, eventstore.Event{SessionID: s.id, Type: eventType, Payload: payload}); err != nil {
		s.logger.Warn("failed to journal event", slog.String("type", eventType), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
