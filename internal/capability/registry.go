package capability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Name string

const (
	SpeechSynthesis   Name = "speech_synthesis"
	SpeechRecognition Name = "speech_recognition"
	AnalysisService   Name = "analysis_service"
)

// Capability is the availability of one device or service.
type Capability struct {
	Name      Name      `json:"name"`
	Available bool      `json:"available"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Registry holds capability flags. Controls that depend on an unavailable
// capability are disabled rather than failing on use.
type Registry struct {
	clk      clock.Clock
	log      *slog.Logger
	mu       sync.RWMutex
	caps     map[Name]*Capability
	onChange func(Capability)
	meter    metric.Meter
	gauge    metric.Int64ObservableGauge
}

func NewRegistry(clk clock.Clock, log *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	r := &Registry{
		clk:   clk,
		log:   log.With(slog.String("component", "capability-registry")),
		caps:  make(map[Name]*Capability),
		meter: otel.Meter("github.com/loqalabs/accessbridge/capability"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// OnChange registers a hook called after a capability flips.
func (r *Registry) OnChange(fn func(Capability)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Set records availability. The hook fires only when availability or detail
// changed.
func (r *Registry) Set(name Name, available bool, detail string) {
	r.mu.Lock()
	capability, ok := r.caps[name]
	if !ok {
		capability = &Capability{Name: name}
		r.caps[name] = capability
	}
	changed := !ok || capability.Available != available || capability.Detail != detail
	capability.Available = available
	capability.Detail = detail
	capability.CheckedAt = r.clk.Now().UTC()
	snapshot := *capability
	hook := r.onChange
	r.mu.Unlock()

	if !changed {
		return
	}
	r.log.Info("capability updated",
		slog.String("capability", string(name)),
		slog.Bool("available", available),
		slog.String("detail", detail),
	)
	if hook != nil {
		hook(snapshot)
	}
}

// Available is the capability check. Unknown capabilities are unavailable.
func (r *Registry) Available(name Name) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	capability, ok := r.caps[name]
	return ok && capability.Available
}

func (r *Registry) Get(name Name) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	capability, ok := r.caps[name]
	if !ok {
		return Capability{}, false
	}
	return *capability, true
}

// Query returns matching capabilities sorted by name.
func (r *Registry) Query(filter func(Capability) bool) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Capability
	for _, capability := range r.caps {
		copy := *capability
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

func OnlyAvailable(c Capability) bool {
	return c.Available
}

func (r *Registry) initMetrics() error {
	gauge, err := r.meter.Int64ObservableGauge("access.capability.available", metric.WithDescription("Capability availability (1 available, 0 not)"))
	if err != nil {
		return err
	}
	r.gauge = gauge
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		for _, capability := range r.Query(nil) {
			var v int64
			if capability.Available {
				v = 1
			}
			obs.ObserveInt64(gauge, v, metric.WithAttributes(attribute.String("capability", string(capability.Name))))
		}
		return nil
	}, gauge)
	return err
}
