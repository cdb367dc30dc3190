package capability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/loqalabs/accessbridge/internal/analysis"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistryAvailability(t *testing.T) {
	r := NewRegistry(clock.NewMock(), newLogger())
	if r.Available(SpeechSynthesis) {
		t.Fatal("unknown capability must be unavailable")
	}

	var changes []Capability
	r.OnChange(func(c Capability) { changes = append(changes, c) })

	r.Set(SpeechSynthesis, true, "mock")
	r.Set(SpeechSynthesis, true, "mock")
	r.Set(SpeechRecognition, false, "disabled")

	if !r.Available(SpeechSynthesis) || r.Available(SpeechRecognition) {
		t.Fatal("unexpected availability")
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 change notifications, got %d", len(changes))
	}

	all := r.Query(nil)
	if len(all) != 2 || all[0].Name != SpeechRecognition {
		t.Fatalf("expected sorted results, got %+v", all)
	}
	if got := r.Query(OnlyAvailable); len(got) != 1 || got[0].Name != SpeechSynthesis {
		t.Fatalf("unexpected filtered results %+v", got)
	}
}

type scriptedProber struct {
	mu      sync.Mutex
	results []error
	calls   chan struct{}
}

func (p *scriptedProber) Health(context.Context) error {
	p.mu.Lock()
	var err error
	if len(p.results) > 0 {
		err = p.results[0]
		p.results = p.results[1:]
	}
	p.mu.Unlock()
	if p.calls != nil {
		p.calls <- struct{}{}
	}
	return err
}

func TestClassify(t *testing.T) {
	if Classify(nil) != StatusConnected {
		t.Fatal("nil error should be connected")
	}
	if Classify(&analysis.StatusError{Code: 503}) != StatusError {
		t.Fatal("status error should map to error")
	}
	if Classify(errors.New("dial tcp: connection refused")) != StatusDisconnected {
		t.Fatal("transport error should map to disconnected")
	}
}

func TestMonitorPollsAndUpdatesRegistry(t *testing.T) {
	mock := clock.NewMock()
	registry := NewRegistry(mock, newLogger())
	prober := &scriptedProber{
		results: []error{nil, &analysis.StatusError{Code: 500}, errors.New("refused")},
		calls:   make(chan struct{}, 8),
	}
	monitor := NewMonitor(prober, registry, mock, time.Second, newLogger())
	if monitor.Status() != StatusDisconnected {
		t.Fatal("monitor starts disconnected")
	}

	monitor.Start(context.Background())
	t.Cleanup(monitor.Close)
	<-prober.calls
	if monitor.Status() != StatusConnected || !registry.Available(AnalysisService) {
		t.Fatalf("expected connected after first probe, got %s", monitor.Status())
	}

	mock.Add(time.Second)
	waitCall(t, prober.calls)
	waitStatus(t, monitor, StatusError)
	if registry.Available(AnalysisService) {
		t.Fatal("analysis service should be unavailable on error status")
	}
	if c, _ := registry.Get(AnalysisService); c.Detail != string(StatusError) {
		t.Fatalf("unexpected detail %q", c.Detail)
	}

	mock.Add(time.Second)
	waitCall(t, prober.calls)
	waitStatus(t, monitor, StatusDisconnected)
}

func waitCall(t *testing.T, calls <-chan struct{}) {
	t.Helper()
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("probe not called")
	}
}

func waitStatus(t *testing.T, m *Monitor, want ServiceStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected status %s, got %s", want, m.Status())
}
