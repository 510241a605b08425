// Package health tracks whether the prediction service can serve each
// domain and publishes the result through the gRPC health protocol.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/dactylo/internal/predictclient"
	"github.com/example/dactylo/internal/prediction"
)

// Service names registered with the gRPC health server.
const (
	ServiceFingerprint = "dactylo.predict.fingerprint"
	ServiceBloodType   = "dactylo.predict.bloodtype"
)

const probeTimeout = 5 * time.Second

// domainModels lists the models that can serve each domain; any one of
// them being loaded is enough.
var domainModels = map[prediction.Domain][]string{
	prediction.Fingerprint: {"inception", "efficientnet"},
	prediction.BloodType:   {"blood"},
}

// Checker probes the prediction service.
type Checker interface {
	Health(ctx context.Context) (*predictclient.Health, error)
}

// Status is the outcome of the latest probe.
type Status struct {
	Reachable    bool                       `json:"reachable"`
	Upstream     string                     `json:"upstream_status,omitempty"`
	ModelsLoaded map[string]bool            `json:"models_loaded,omitempty"`
	Domains      map[prediction.Domain]bool `json:"domains"`
	Error        string                     `json:"error,omitempty"`
	CheckedAt    time.Time                  `json:"checked_at"`
}

// Monitor periodically probes the prediction service.
type Monitor struct {
	checker  Checker
	server   *grpchealth.Server
	interval time.Duration
	logger   *zap.Logger

	mu   sync.RWMutex
	last Status
}

// NewMonitor creates a monitor publishing to server. Until the first probe
// every service reports NOT_SERVING.
func NewMonitor(checker Checker, server *grpchealth.Server, interval time.Duration, logger *zap.Logger) *Monitor {
	m := &Monitor{
		checker:  checker,
		server:   server,
		interval: interval,
		logger:   logger.Named("health_monitor"),
		last:     Status{Domains: map[prediction.Domain]bool{}},
	}
	m.publish(m.last)
	return m
}

// Run probes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check performs one probe and publishes its outcome.
func (m *Monitor) Check(ctx context.Context) Status {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	status := Status{Domains: make(map[prediction.Domain]bool, len(domainModels)), CheckedAt: time.Now().UTC()}
	upstream, err := m.checker.Health(probeCtx)
	if err != nil {
		status.Error = err.Error()
		for domain := range domainModels {
			status.Domains[domain] = false
		}
	} else {
		status.Reachable = true
		status.Upstream = upstream.Status
		status.ModelsLoaded = upstream.ModelsLoaded
		for domain, models := range domainModels {
			status.Domains[domain] = servable(upstream.ModelsLoaded, models)
		}
	}

	m.mu.Lock()
	previous := m.last
	m.last = status
	m.mu.Unlock()

	if previous.Reachable != status.Reachable {
		if status.Reachable {
			m.logger.Info("prediction service reachable", zap.String("status", status.Upstream))
		} else {
			m.logger.Warn("prediction service unreachable", zap.Error(err))
		}
	}
	m.publish(status)
	return status
}

// Snapshot returns the latest probe outcome.
func (m *Monitor) Snapshot() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) publish(status Status) {
	if m.server == nil {
		return
	}
	m.server.SetServingStatus("", servingStatus(status.Reachable))
	m.server.SetServingStatus(ServiceFingerprint, servingStatus(status.Domains[prediction.Fingerprint]))
	m.server.SetServingStatus(ServiceBloodType, servingStatus(status.Domains[prediction.BloodType]))
}

// servable treats a service that does not report its models as able to
// serve every domain.
func servable(loaded map[string]bool, models []string) bool {
	if loaded == nil {
		return true
	}
	for _, model := range models {
		if loaded[model] {
			return true
		}
	}
	return false
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
