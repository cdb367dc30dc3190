package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/loqalabs/accessbridge/internal/analysis"
	"github.com/loqalabs/accessbridge/internal/bus"
	"github.com/loqalabs/accessbridge/internal/captions"
	"github.com/loqalabs/accessbridge/internal/config"
	"github.com/loqalabs/accessbridge/internal/eventstore"
	"github.com/loqalabs/accessbridge/internal/natsserver"
	"github.com/loqalabs/accessbridge/internal/preferences"
	"github.com/loqalabs/accessbridge/internal/presentation"
	"github.com/loqalabs/accessbridge/internal/protocol"
	"github.com/loqalabs/accessbridge/internal/stt"
	"github.com/loqalabs/accessbridge/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type instantSpeech struct {
	mu     sync.Mutex
	spoken []string
}

func (d *instantSpeech) Play(_ context.Context, u tts.Utterance, emit func(tts.Event)) {
	d.mu.Lock()
	d.spoken = append(d.spoken, u.Text)
	d.mu.Unlock()
	emit(tts.Event{UtteranceID: u.ID, Signal: tts.SignalStart})
	emit(tts.Event{UtteranceID: u.ID, Signal: tts.SignalEnd})
}

func (d *instantSpeech) texts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.spoken...)
}

type fakeRecognition struct {
	events chan stt.Event
	once   sync.Once
}

func (s *fakeRecognition) Events() <-chan stt.Event { return s.events }

func (s *fakeRecognition) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

type fakeMicrophone struct {
	mu      sync.Mutex
	current *fakeRecognition
}

func (d *fakeMicrophone) Open(context.Context, stt.Options) (stt.Session, error) {
	s := &fakeRecognition{events: make(chan stt.Event, 4)}
	d.mu.Lock()
	d.current = s
	d.mu.Unlock()
	return s, nil
}

func (d *fakeMicrophone) send(ev stt.Event) {
	d.mu.Lock()
	s := d.current
	d.mu.Unlock()
	s.events <- ev
}

type cannedAnalysis struct {
	video analysis.VideoResult
}

func (c cannedAnalysis) AnalyzeImage(context.Context, string, []byte) (analysis.ImageResult, error) {
	return analysis.ImageResult{Description: "A bridge"}, nil
}

func (c cannedAnalysis) AnalyzeVideo(context.Context, string, []byte) (analysis.VideoResult, error) {
	return c.video, nil
}

type downProber struct{}

func (downProber) Health(context.Context) error { return errors.New("connection refused") }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Preferences.ScreenReaderAnnouncements = false
	return cfg
}

func TestPreferencesArePublishedAndRendered(t *testing.T) {
	client := startBus(t)
	sub, err := client.Conn().SubscribeSync(protocol.SubjectPreferences)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	s := New(context.Background(), testConfig(), Dependencies{SessionID: "prefs", Bus: client}, newLogger())
	t.Cleanup(s.Close)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	var mu sync.Mutex
	var views []presentation.View
	unsubscribe := s.Subscribe(func(v presentation.View) {
		mu.Lock()
		views = append(views, v)
		mu.Unlock()
	})
	defer unsubscribe()

	on := true
	st := s.SetPreferences(preferences.Patch{HighContrast: &on})
	if !st.HighContrast {
		t.Fatal("expected high contrast enabled")
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("expected preferences event: %v", err)
	}
	var evt struct {
		SessionID string            `json:"session_id"`
		State     preferences.State `json:"state"`
	}
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !evt.State.HighContrast {
		t.Fatalf("unexpected published state %+v", evt.State)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(views) == 0 || views[len(views)-1].Palette.Nav != "#000000" {
		t.Fatal("subscribers should receive the high contrast view")
	}
}

func TestMissingCapabilitiesDisableControls(t *testing.T) {
	s := New(context.Background(), testConfig(), Dependencies{}, newLogger())
	t.Cleanup(s.Close)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	view := s.View()
	if view.Controls.Speak || view.Controls.StartListen || view.Controls.AnalyzeImage {
		t.Fatalf("controls should be disabled: %+v", view.Controls)
	}
	if s.SpeakText("hello") {
		t.Fatal("speak must report unsupported synthesis")
	}
	if err := s.StartListening(context.Background()); !errors.Is(err, stt.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	res, err := s.AnalyzeImage(context.Background(), "a.png", []byte("x"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := res.(analysis.Failure); !ok {
		t.Fatalf("expected a failure result, got %T", res)
	}
}

func TestFinishedSpeechDisablesStopControl(t *testing.T) {
	speech := &instantSpeech{}
	s := New(context.Background(), testConfig(), Dependencies{Speech: speech, Clock: clock.NewMock()}, newLogger())
	t.Cleanup(s.Close)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	var mu sync.Mutex
	var views []presentation.View
	unsubscribe := s.Subscribe(func(v presentation.View) {
		mu.Lock()
		views = append(views, v)
		mu.Unlock()
	})
	defer unsubscribe()

	if !s.SpeakText("hello") {
		t.Fatal("expected speech to be supported")
	}
	waitFor(t, "a view offering stop", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, v := range views {
			if v.Controls.StopSpeaking {
				return true
			}
		}
		return false
	})
	waitFor(t, "the stop control to clear", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !views[len(views)-1].Controls.StopSpeaking
	})

	if _, speaking := s.speech.Speaking(); speaking {
		t.Fatal("controller still reports an active utterance")
	}
}

func TestVideoCaptionsFollowPlayback(t *testing.T) {
	service := cannedAnalysis{video: analysis.VideoResult{
		Summary: "Greeting",
		Captions: []captions.Caption{
			{Start: 0, End: 2, Text: "Hello"},
			{Start: 2, End: 5, Text: "World"},
		},
	}}
	speech := &instantSpeech{}
	s := New(context.Background(), testConfig(), Dependencies{
		Analysis: service,
		Speech:   speech,
		Clock:    clock.NewMock(),
	}, newLogger())
	t.Cleanup(s.Close)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := s.AnalyzeVideo(context.Background(), "clip.mp4", []byte("x")); err != nil {
		t.Fatalf("analyze video: %v", err)
	}
	if err := s.Playback(PlaybackPaused, 2.0); err != nil {
		t.Fatalf("playback: %v", err)
	}
	view := s.View()
	if view.Caption.Text != "World" || !view.Caption.Visible || view.Caption.Tracks != 2 {
		t.Fatalf("unexpected caption view %+v", view.Caption)
	}
	if view.Video.Summary != "Greeting" {
		t.Fatalf("unexpected video view %+v", view.Video)
	}

	if err := s.Playback(PlaybackPlaying, 0.5); err != nil {
		t.Fatalf("playback: %v", err)
	}
	if got := s.View().Caption.Text; got != "Hello" {
		t.Fatalf("expected Hello while playing, got %q", got)
	}
	if err := s.Playback(PlaybackPaused, 6.0); err != nil {
		t.Fatalf("playback: %v", err)
	}
	if view := s.View(); view.Caption.Visible || view.Caption.Text != "" {
		t.Fatalf("expected no caption past the end, got %+v", view.Caption)
	}
	if err := s.Playback("rewinding", 1); !errors.Is(err, ErrInvalidPlayback) {
		t.Fatalf("expected ErrInvalidPlayback, got %v", err)
	}

	if !s.SpeakText("read this") {
		t.Fatal("speech should be supported")
	}
	waitFor(t, "utterance", func() bool { return len(speech.texts()) == 1 })
}

func TestTranscriptIsJournaledAndDeletedOnClose(t *testing.T) {
	ctx := context.Background()
	journal, err := eventstore.Open(ctx, config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: eventstore.ModeSession,
	}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })

	mic := &fakeMicrophone{}
	s := New(ctx, testConfig(), Dependencies{SessionID: "listen", Journal: journal, Recognition: mic}, newLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.StartListening(ctx); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	if !s.View().Transcript.Listening {
		t.Fatal("expected listening state")
	}

	mic.send(stt.Event{Kind: stt.EventResult, Segments: []stt.Segment{{Text: "hello", Final: true}}})
	waitFor(t, "committed transcript", func() bool { return s.View().Transcript.Committed == "hello " })

	events, err := journal.ListSessionEvents(ctx, "listen", 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Type == "transcript" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a transcript event, got %+v", events)
	}

	s.ClearTranscript()
	if !s.View().Transcript.Empty {
		t.Fatal("expected transcript cleared")
	}

	s.Close()
	events, err = journal.ListSessionEvents(ctx, "listen", 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("journal must not outlive the session, found %d events", len(events))
	}
	if s.Healthy() {
		t.Fatal("closed session must not report healthy")
	}
}

func TestListenErrorIsRendered(t *testing.T) {
	mic := &fakeMicrophone{}
	s := New(context.Background(), testConfig(), Dependencies{Recognition: mic}, newLogger())
	t.Cleanup(s.Close)
	if err := s.StartListening(context.Background()); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	mic.send(stt.Event{Kind: stt.EventError, Err: errors.New("microphone unplugged")})
	waitFor(t, "listen error", func() bool { return s.View().Transcript.Error != "" })
	if s.View().Transcript.Listening {
		t.Fatal("device error must return to idle")
	}
}

func TestServiceMonitorDrivesAnalysisControls(t *testing.T) {
	s := New(context.Background(), testConfig(), Dependencies{
		Analysis: cannedAnalysis{},
		Prober:   downProber{},
		Clock:    clock.NewMock(),
	}, newLogger())
	t.Cleanup(s.Close)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	view := s.View()
	if view.Service.Status != "disconnected" || view.Controls.AnalyzeImage {
		t.Fatalf("unexpected service view %+v / %+v", view.Service, view.Controls)
	}
}
