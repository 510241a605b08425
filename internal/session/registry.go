// Package session keeps the mounted views of each viewer. A viewer owns one
// workflow per domain and one analytics view; unmounting discards all of
// them, so a remount starts idle and fetches analytics again.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/dactylo/internal/analytics"
	"github.com/example/dactylo/internal/prediction"
	"github.com/example/dactylo/internal/workflow"
)

// Views are the mounted views of one viewer.
type Views struct {
	Viewer      string
	Fingerprint *workflow.Workflow
	BloodType   *workflow.Workflow
	Analytics   *analytics.View
	MountedAt   time.Time
}

// Workflow returns the workflow serving domain.
func (v *Views) Workflow(domain prediction.Domain) (*workflow.Workflow, bool) {
	switch domain {
	case prediction.Fingerprint:
		return v.Fingerprint, v.Fingerprint != nil
	case prediction.BloodType:
		return v.BloodType, v.BloodType != nil
	}
	return nil, false
}

// Factory builds fresh views for a viewer.
type Factory func(viewer string) *Views

// NewFactory returns a Factory wiring both domain workflows to client and
// recorder and the analytics view to source.
func NewFactory(client prediction.Client, source analytics.Source, recorder workflow.Recorder, timeout time.Duration, logger *zap.Logger) Factory {
	return func(viewer string) *Views {
		viewLogger := logger.With(zap.String("viewer", viewer))
		opts := []workflow.Option{workflow.WithViewer(viewer), workflow.WithTimeout(timeout)}
		if recorder != nil {
			opts = append(opts, workflow.WithRecorder(recorder))
		}
		return &Views{
			Viewer:      viewer,
			Fingerprint: workflow.New(prediction.Fingerprint, client, viewLogger, opts...),
			BloodType:   workflow.New(prediction.BloodType, client, viewLogger, opts...),
			Analytics:   analytics.NewView(source, viewLogger),
			MountedAt:   time.Now().UTC(),
		}
	}
}

// Registry maps viewers to their mounted views.
type Registry struct {
	factory Factory
	logger  *zap.Logger

	mu    sync.Mutex
	views map[string]*Views
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory, logger *zap.Logger) *Registry {
	return &Registry{
		factory: factory,
		logger:  logger.Named("session_registry"),
		views:   make(map[string]*Views),
	}
}

// Mount returns the views of viewer, creating them on first use.
func (r *Registry) Mount(viewer string) *Views {
	r.mu.Lock()
	defer r.mu.Unlock()
	if views, ok := r.views[viewer]; ok {
		return views
	}
	views := r.factory(viewer)
	r.views[viewer] = views
	r.logger.Debug("views mounted", zap.String("viewer", viewer))
	return views
}

// Lookup returns the views of viewer without mounting them.
func (r *Registry) Lookup(viewer string) (*Views, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	views, ok := r.views[viewer]
	return views, ok
}

// Unmount discards the views of viewer. In-flight requests still resolve
// and are recorded, but their results are no longer reachable.
func (r *Registry) Unmount(viewer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.views[viewer]; !ok {
		return false
	}
	delete(r.views, viewer)
	r.logger.Debug("views unmounted", zap.String("viewer", viewer))
	return true
}

// Len reports the number of mounted viewers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}
