package capability

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/loqalabs/accessbridge/internal/analysis"
)

// ServiceStatus is the reachability of the remote analysis service.
type ServiceStatus string

const (
	StatusConnected    ServiceStatus = "connected"
	StatusDisconnected ServiceStatus = "disconnected"
	StatusError        ServiceStatus = "error"
)

type Prober interface {
	Health(ctx context.Context) error
}

// Classify maps a health probe outcome to a status: nil is connected, a
// non-2xx answer is error, anything else is disconnected.
func Classify(err error) ServiceStatus {
	if err == nil {
		return StatusConnected
	}
	var status *analysis.StatusError
	if errors.As(err, &status) {
		return StatusError
	}
	return StatusDisconnected
}

// Monitor polls the analysis service and mirrors its status into the
// registry's analysis_service flag.
type Monitor struct {
	prober   Prober
	registry *Registry
	clk      clock.Clock
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	status ServiceStatus
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(prober Prober, registry *Registry, clk clock.Clock, interval time.Duration, log *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		prober:   prober,
		registry: registry,
		clk:      clk,
		interval: interval,
		log:      log.With(slog.String("component", "service-monitor")),
		status:   StatusDisconnected,
	}
}

// Start probes once synchronously and then on every interval until Close.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.Check(ctx)

	ticker := m.clk.Ticker(m.interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Check runs a single probe and records the outcome.
func (m *Monitor) Check(ctx context.Context) ServiceStatus {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	err := m.prober.Health(probeCtx)
	status := Classify(err)

	m.mu.Lock()
	previous := m.status
	m.status = status
	m.mu.Unlock()

	if status != previous {
		if err != nil {
			m.log.Warn("analysis service status changed", slog.String("status", string(status)), slog.String("error", err.Error()))
		} else {
			m.log.Info("analysis service status changed", slog.String("status", string(status)))
		}
	}
	if m.registry != nil {
		m.registry.Set(AnalysisService, status == StatusConnected, string(status))
	}
	return status
}

func (m *Monitor) Status() ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Monitor) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
