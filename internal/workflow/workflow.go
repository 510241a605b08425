// Package workflow owns the request lifecycle of one classification view:
// a staged file and exactly one of Idle, Loading, Success or Failed.
package workflow

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/dactylo/internal/logging"
	"github.com/example/dactylo/internal/prediction"
	"github.com/example/dactylo/internal/preview"
)

// Sentinel errors for refused transitions.
var (
	ErrBusy   = errors.New("workflow: analysis already in progress")
	ErrNoFile = errors.New("workflow: no file selected")
)

const (
	// DefaultTimeout bounds an in-flight request when none is configured.
	DefaultTimeout = 60 * time.Second

	noFileMessage    = "Please select an image first"
	emptyFileMessage = "The selected file is empty"
	recordTimeout    = 10 * time.Second
)

// Phase is the lifecycle position of a workflow.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseSuccess
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseSuccess:
		return "success"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// MarshalText lets phases appear by name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is a read-only snapshot of a workflow.
// Result is set only in PhaseSuccess and Err only in PhaseFailed.
type State struct {
	Domain    prediction.Domain
	Phase     Phase
	RequestID string
	FileName  string
	Preview   string
	Result    *prediction.Result
	Err       *prediction.Error
}

// Recorder receives every resolved request.
type Recorder interface {
	Record(ctx context.Context, outcome prediction.Outcome) error
}

// Option customises a Workflow.
type Option func(*Workflow)

// WithTimeout bounds each request; zero or negative disables the bound.
func WithTimeout(timeout time.Duration) Option {
	return func(w *Workflow) {
		w.timeout = timeout
	}
}

// WithRecorder reports every outcome to r.
func WithRecorder(r Recorder) Option {
	return func(w *Workflow) {
		w.recorder = r
	}
}

// WithViewer tags outcomes with the owning viewer.
func WithViewer(viewer string) Option {
	return func(w *Workflow) {
		w.viewer = viewer
	}
}

// WithThumbnailer replaces the preview generator; nil disables previews.
func WithThumbnailer(fn func([]byte) (string, error)) Option {
	return func(w *Workflow) {
		w.thumbnail = fn
	}
}

// Workflow is the per-domain owner of a staged file and its request state.
// All methods are safe for concurrent use.
type Workflow struct {
	domain    prediction.Domain
	client    prediction.Client
	recorder  Recorder
	logger    *zap.Logger
	timeout   time.Duration
	viewer    string
	thumbnail func([]byte) (string, error)

	mu       sync.Mutex
	file     *prediction.File
	preview  string
	state    State
	inflight chan struct{}
}

// New builds an idle workflow for domain.
func New(domain prediction.Domain, client prediction.Client, logger *zap.Logger, opts ...Option) *Workflow {
	w := &Workflow{
		domain:    domain,
		client:    client,
		logger:    logging.WithDomain(logger.Named("workflow"), string(domain)),
		timeout:   DefaultTimeout,
		thumbnail: preview.Thumbnail,
		state:     State{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Domain returns the classification domain of the workflow.
func (w *Workflow) Domain() prediction.Domain {
	return w.domain
}

// Select stages file for the next analysis. A finished result or error is
// cleared; an in-flight request is left alone and still resolves.
func (w *Workflow) Select(file prediction.File) error {
	if file.Empty() {
		return &prediction.Error{Kind: prediction.KindValidation, Message: emptyFileMessage, Err: ErrNoFile}
	}

	staged := prediction.File{
		Name:        file.Name,
		ContentType: file.ContentType,
		Data:        append([]byte(nil), file.Data...),
	}
	var thumb string
	if w.thumbnail != nil {
		var err error
		if thumb, err = w.thumbnail(staged.Data); err != nil {
			w.logger.Debug("no preview for staged file", zap.String("file", staged.Name), zap.Error(err))
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.file = &staged
	w.preview = thumb
	if w.state.Phase != PhaseLoading {
		w.state = State{Phase: PhaseIdle}
	}
	return nil
}

// Analyze submits the staged file and returns its request id. It refuses
// with ErrBusy while a request is in flight and fails with a validation
// error when nothing is staged. The request outlives ctx cancellation but
// not the workflow timeout.
func (w *Workflow) Analyze(ctx context.Context) (string, error) {
	w.mu.Lock()
	if w.state.Phase == PhaseLoading {
		w.mu.Unlock()
		return "", ErrBusy
	}
	if w.file == nil {
		predErr := &prediction.Error{Kind: prediction.KindValidation, Message: noFileMessage, Err: ErrNoFile}
		w.state = State{Phase: PhaseFailed, Err: predErr}
		w.mu.Unlock()
		return "", predErr
	}

	requestID := uuid.NewString()
	file := *w.file
	done := make(chan struct{})
	w.inflight = done
	w.state = State{Phase: PhaseLoading, RequestID: requestID}
	w.mu.Unlock()

	logging.WithOperation(w.logger, "workflow.analyze", requestID).Info("analysis started",
		zap.String("file", file.Name), zap.Int("bytes", len(file.Data)))

	reqCtx := prediction.WithRequestID(context.WithoutCancel(ctx), requestID)
	go w.run(reqCtx, requestID, file, done)
	return requestID, nil
}

func (w *Workflow) run(ctx context.Context, requestID string, file prediction.File, done chan struct{}) {
	opLogger := logging.WithOperation(w.logger, "workflow.run", requestID)
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	started := time.Now()
	result, err := w.client.Submit(ctx, w.domain, file)
	latency := time.Since(started)

	var predErr *prediction.Error
	switch {
	case err != nil:
		predErr = prediction.Classify(err)
	case result == nil:
		predErr = prediction.NewMalformedResponseError("Invalid response from server", errors.New("client returned no result"))
	}

	w.mu.Lock()
	if w.state.RequestID == requestID {
		if predErr != nil {
			w.state = State{Phase: PhaseFailed, RequestID: requestID, Err: predErr}
		} else {
			w.state = State{Phase: PhaseSuccess, RequestID: requestID, Result: result}
		}
	}
	if w.inflight == done {
		w.inflight = nil
	}
	w.mu.Unlock()
	close(done)

	if predErr != nil {
		opLogger.Warn("analysis failed",
			zap.String("kind", predErr.Kind.String()),
			zap.String("message", predErr.Message),
			zap.Duration("latency", latency),
			zap.Error(predErr.Err))
	} else {
		opLogger.Info("analysis succeeded",
			zap.String("predicted_class", result.PredictedClass),
			zap.Float64("confidence", result.Confidence),
			zap.Duration("latency", latency))
	}

	if w.recorder == nil {
		return
	}
	sum := sha1.Sum(file.Data)
	outcome := prediction.Outcome{
		RequestID:   requestID,
		Viewer:      w.viewer,
		Domain:      w.domain,
		FileName:    file.Name,
		FileSHA1:    hex.EncodeToString(sum[:]),
		Result:      result,
		Err:         predErr,
		Latency:     latency,
		CompletedAt: time.Now().UTC(),
	}
	if predErr != nil {
		outcome.Result = nil
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := w.recorder.Record(recordCtx, outcome); err != nil {
		opLogger.Error("failed to record outcome", zap.Error(err))
	}
}

// Snapshot returns the current state.
func (w *Workflow) Snapshot() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Workflow) snapshotLocked() State {
	s := w.state
	s.Domain = w.domain
	if w.file != nil {
		s.FileName = w.file.Name
		s.Preview = w.preview
	}
	return s
}

// Wait blocks until no request is in flight or ctx is done, then returns
// the state at that moment.
func (w *Workflow) Wait(ctx context.Context) (State, error) {
	w.mu.Lock()
	done := w.inflight
	w.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return w.Snapshot(), ctx.Err()
		}
	}
	return w.Snapshot(), nil
}

// Busy reports whether a request is in flight.
func (w *Workflow) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Phase == PhaseLoading
}
