package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/accessbridge/internal/captions"
	"github.com/loqalabs/accessbridge/internal/preferences"
)

// ErrSuperseded is returned for a response that arrived after a newer
// request of the same kind was issued. Its result is never published.
var ErrSuperseded = errors.New("analysis superseded by a newer request")

// Service is the remote analysis backend.
type Service interface {
	AnalyzeImage(ctx context.Context, filename string, data []byte) (ImageResult, error)
	AnalyzeVideo(ctx context.Context, filename string, data []byte) (VideoResult, error)
}

type CaptionTarget interface {
	SetCaptions(list *captions.List)
}

type Announcer interface {
	Speak(text string, rate float64) bool
}

type PreferenceSource interface {
	Get() preferences.State
}

// Update reports a change of one media kind's slot. Result is nil when a new
// request cleared the previous result.
type Update struct {
	Kind     Kind
	Result   Result
	InFlight bool
}

// Pipeline issues analysis requests with last-request-wins semantics per
// media kind and fans published results out to captions and speech.
type Pipeline struct {
	service  Service
	captions CaptionTarget
	speaker  Announcer
	prefs    PreferenceSource
	logger   *slog.Logger
	tracer   trace.Tracer

	// apply orders caption replacement between issue and completion so a
	// cleared track is never overwritten by a superseded response.
	apply sync.Mutex

	mu       sync.Mutex
	tags     map[Kind]uint64
	latest   map[Kind]Result
	inflight map[Kind]bool
	onUpdate func(Update)

	issued    metric.Int64Counter
	published metric.Int64Counter
	stale     metric.Int64Counter
	failed    metric.Int64Counter
}

func NewPipeline(service Service, target CaptionTarget, speaker Announcer, prefs PreferenceSource, log *slog.Logger) *Pipeline {
	p := &Pipeline{
		service:  service,
		captions: target,
		speaker:  speaker,
		prefs:    prefs,
		logger:   log.With(slog.String("component", "analysis")),
		tracer:   otel.Tracer("github.com/loqalabs/accessbridge/analysis"),
		tags:     make(map[Kind]uint64),
		latest:   make(map[Kind]Result),
		inflight: make(map[Kind]bool),
	}
	if err := p.initMetrics(); err != nil {
		p.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return p
}

// OnUpdate registers the publication hook.
func (p *Pipeline) OnUpdate(fn func(Update)) {
	p.mu.Lock()
	p.onUpdate = fn
	p.mu.Unlock()
}

// AnalyzeImage uploads an image and blocks until the service answers. The
// returned result is published only if no newer image request was issued.
func (p *Pipeline) AnalyzeImage(ctx context.Context, filename string, data []byte) (Result, error) {
	return p.run(ctx, KindImage, func(ctx context.Context) (Result, error) {
		res, err := p.service.AnalyzeImage(ctx, filename, data)
		return res, err
	})
}

// AnalyzeVideo uploads a video. On publication its captions replace the
// synchronizer's list.
func (p *Pipeline) AnalyzeVideo(ctx context.Context, filename string, data []byte) (Result, error) {
	return p.run(ctx, KindVideo, func(ctx context.Context) (Result, error) {
		res, err := p.service.AnalyzeVideo(ctx, filename, data)
		return res, err
	})
}

// Latest returns the published result for kind, if any.
func (p *Pipeline) Latest(kind Kind) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.latest[kind]
	return res, ok
}

func (p *Pipeline) InFlight(kind Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[kind]
}

func (p *Pipeline) run(ctx context.Context, kind Kind, call func(context.Context) (Result, error)) (Result, error) {
	attrs := metric.WithAttributes(attribute.String("kind", string(kind)))
	ctx, span := p.tracer.Start(ctx, "analysis."+string(kind))
	defer span.End()

	tag := p.issue(kind)
	p.count(ctx, p.issued, attrs)
	p.logger.Debug("analysis issued", slog.String("kind", string(kind)), slog.Uint64("tag", tag))

	res, err := call(ctx)
	if err != nil {
		span.RecordError(err)
		p.count(ctx, p.failed, attrs)
		p.logger.Warn("analysis failed", slog.String("kind", string(kind)), slogError(err))
		res = Failure{Media: kind, Reason: err.Error()}
	}

	if !p.complete(kind, tag, res) {
		p.count(ctx, p.stale, attrs)
		p.logger.Warn("dropping stale analysis result", slog.String("kind", string(kind)), slog.Uint64("tag", tag))
		return res, ErrSuperseded
	}
	p.count(ctx, p.published, attrs)
	p.announce(res)
	return res, nil
}

func (p *Pipeline) issue(kind Kind) uint64 {
	p.apply.Lock()
	defer p.apply.Unlock()

	p.mu.Lock()
	p.tags[kind]++
	tag := p.tags[kind]
	delete(p.latest, kind)
	p.inflight[kind] = true
	hook := p.onUpdate
	p.mu.Unlock()

	if kind == KindVideo && p.captions != nil {
		p.captions.SetCaptions(nil)
	}
	if hook != nil {
		hook(Update{Kind: kind, InFlight: true})
	}
	return tag
}

func (p *Pipeline) complete(kind Kind, tag uint64, res Result) bool {
	p.apply.Lock()
	defer p.apply.Unlock()

	p.mu.Lock()
	if p.tags[kind] != tag {
		p.mu.Unlock()
		return false
	}
	p.latest[kind] = res
	p.inflight[kind] = false
	hook := p.onUpdate
	p.mu.Unlock()

	if video, ok := res.(VideoResult); ok && p.captions != nil {
		p.captions.SetCaptions(captions.NewList(video.Captions))
	}
	if hook != nil {
		hook(Update{Kind: kind, Result: res})
	}
	return true
}

func (p *Pipeline) announce(res Result) {
	if p.speaker == nil || p.prefs == nil {
		return
	}
	st := p.prefs.Get()
	if !st.ScreenReaderAnnouncements {
		return
	}
	if text := Summary(res); text != "" {
		p.speaker.Speak(text, st.SpeechRate)
	}
}

// Summary builds the spoken summary for a published result. Failures and
// results without a description have none.
func Summary(res Result) string {
	switch r := res.(type) {
	case ImageResult:
		if r.Description == "" {
			return ""
		}
		text := "Image analyzed. " + r.Description
		if n := len(r.Objects); n > 0 {
			text += fmt.Sprintf(" Detected %d objects.", n)
		}
		return text
	case VideoResult:
		if r.Summary == "" {
			return ""
		}
		text := "Video analyzed. " + r.Summary
		if n := len(r.Scenes); n > 0 {
			text += fmt.Sprintf(" Detected %d scenes.", n)
		}
		return text
	}
	return ""
}

func (p *Pipeline) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/accessbridge/analysis")
	var err error
	if p.issued, err = meter.Int64Counter("access.analysis.issued", metric.WithDescription("Analysis requests issued")); err != nil {
		return err
	}
	if p.published, err = meter.Int64Counter("access.analysis.published", metric.WithDescription("Analysis results published")); err != nil {
		return err
	}
	if p.stale, err = meter.Int64Counter("access.analysis.stale_dropped", metric.WithDescription("Superseded analysis responses dropped")); err != nil {
		return err
	}
	if p.failed, err = meter.Int64Counter("access.analysis.failed", metric.WithDescription("Analysis requests that failed")); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) count(ctx context.Context, counter metric.Int64Counter, opts ...metric.AddOption) {
	if counter != nil {
		counter.Add(ctx, 1, opts...)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
