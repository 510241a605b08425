package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/dactylo/internal/prediction"
)

type stubClient struct {
	mu            sync.Mutex
	calls         int
	gate          chan struct{}
	result        *prediction.Result
	err           error
	lastFile      prediction.File
	lastRequestID string
}

func (s *stubClient) Submit(ctx context.Context, domain prediction.Domain, file prediction.File) (*prediction.Result, error) {
	s.mu.Lock()
	s.calls++
	s.lastFile = file
	s.lastRequestID = prediction.RequestIDFrom(ctx)
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, prediction.NewTransportError(ctx.Err())
		}
	}
	return s.result, s.err
}

func (s *stubClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubRecorder struct {
	outcomes chan prediction.Outcome
}

func (s *stubRecorder) Record(ctx context.Context, outcome prediction.Outcome) error {
	s.outcomes <- outcome
	return nil
}

func newWorkflow(client prediction.Client, opts ...Option) *Workflow {
	opts = append([]Option{WithThumbnailer(nil)}, opts...)
	return New(prediction.Fingerprint, client, zap.NewNop(), opts...)
}

func scan(name string) prediction.File {
	return prediction.File{Name: name, ContentType: "image/png", Data: []byte("fingerprint-" + name)}
}

func waitResolved(t *testing.T, w *Workflow) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := w.Wait(ctx)
	if err != nil {
		t.Fatalf("workflow did not resolve: %v", err)
	}
	return state
}

func whorl() *prediction.Result {
	return &prediction.Result{PredictedClass: "class2_whorl", Confidence: 0.87}
}

func TestNewWorkflowIsIdle(t *testing.T) {
	w := newWorkflow(&stubClient{})
	state := w.Snapshot()
	if state.Phase != PhaseIdle || state.Result != nil || state.Err != nil {
		t.Fatalf("expected clean idle state, got %+v", state)
	}
	if state.Domain != prediction.Fingerprint {
		t.Fatalf("unexpected domain: %s", state.Domain)
	}
}

func TestSelectStagesFileWithoutRequest(t *testing.T) {
	client := &stubClient{result: whorl()}
	w := newWorkflow(client, WithThumbnailer(func([]byte) (string, error) { return "data:preview", nil }))

	if err := w.Select(scan("a.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	state := w.Snapshot()
	if state.Phase != PhaseIdle || state.FileName != "a.png" || state.Preview != "data:preview" {
		t.Fatalf("unexpected state: %+v", state)
	}
	if client.callCount() != 0 {
		t.Fatalf("select must not call the service")
	}
}

func TestSelectRejectsEmptyFile(t *testing.T) {
	w := newWorkflow(&stubClient{})
	err := w.Select(prediction.File{Name: "empty.png"})

	var predErr *prediction.Error
	if !errors.As(err, &predErr) || predErr.Kind != prediction.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if w.Snapshot().FileName != "" {
		t.Fatalf("empty file must not be staged")
	}
}

func TestAnalyzeResolvesToSuccess(t *testing.T) {
	client := &stubClient{gate: make(chan struct{}), result: whorl()}
	w := newWorkflow(client)
	if err := w.Select(scan("a.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	requestID, err := w.Analyze(context.Background())
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if requestID == "" {
		t.Fatalf("expected a request id")
	}
	if state := w.Snapshot(); state.Phase != PhaseLoading || state.RequestID != requestID {
		t.Fatalf("expected loading state, got %+v", state)
	}
	if !w.Busy() {
		t.Fatalf("expected workflow to be busy")
	}

	close(client.gate)
	state := waitResolved(t, w)
	if state.Phase != PhaseSuccess {
		t.Fatalf("expected success, got %s", state.Phase)
	}
	if state.Result == nil || state.Err != nil {
		t.Fatalf("success must carry a result and no error: %+v", state)
	}
	if state.Result.PredictedClass != "class2_whorl" {
		t.Fatalf("unexpected result: %+v", state.Result)
	}
	if client.lastRequestID != requestID {
		t.Fatalf("client saw request id %q, want %q", client.lastRequestID, requestID)
	}
}

func TestAnalyzeResolvesToFailedWithServerMessage(t *testing.T) {
	client := &stubClient{err: prediction.NewRequestRejectedError(422, "corrupt image")}
	w := newWorkflow(client)
	_ = w.Select(scan("a.png"))

	if _, err := w.Analyze(context.Background()); err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	state := waitResolved(t, w)
	if state.Phase != PhaseFailed {
		t.Fatalf("expected failed, got %s", state.Phase)
	}
	if state.Result != nil {
		t.Fatalf("failed state must not carry a result")
	}
	if state.Err.Kind != prediction.KindRequestRejected || state.Err.Message != "corrupt image" {
		t.Fatalf("unexpected error: %+v", state.Err)
	}
}

func TestAnalyzeClassifiesUnexpectedErrors(t *testing.T) {
	client := &stubClient{err: errors.New("socket closed")}
	w := newWorkflow(client)
	_ = w.Select(scan("a.png"))

	if _, err := w.Analyze(context.Background()); err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	state := waitResolved(t, w)
	if state.Err == nil || state.Err.Kind != prediction.KindTransportFailure {
		t.Fatalf("expected transport failure, got %+v", state.Err)
	}
}

func TestAnalyzeWithoutFileIsValidationFailure(t *testing.T) {
	client := &stubClient{result: whorl()}
	w := newWorkflow(client)

	_, err := w.Analyze(context.Background())
	if !errors.Is(err, ErrNoFile) {
		t.Fatalf("expected ErrNoFile, got %v", err)
	}
	state := w.Snapshot()
	if state.Phase != PhaseFailed || state.Err.Kind != prediction.KindValidation {
		t.Fatalf("expected validation failure, got %+v", state)
	}
	if client.callCount() != 0 {
		t.Fatalf("validation failure must not reach the service")
	}
}

func TestAnalyzeWhileLoadingIsInert(t *testing.T) {
	client := &stubClient{gate: make(chan struct{}), result: whorl()}
	w := newWorkflow(client)
	_ = w.Select(scan("first.png"))

	first, err := w.Analyze(context.Background())
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if _, err := w.Analyze(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	if err := w.Select(scan("second.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if _, err := w.Analyze(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy after reselect, got %v", err)
	}
	state := w.Snapshot()
	if state.Phase != PhaseLoading || state.RequestID != first {
		t.Fatalf("reselect must not disturb the in-flight request: %+v", state)
	}

	close(client.gate)
	state = waitResolved(t, w)
	if state.Phase != PhaseSuccess || state.RequestID != first {
		t.Fatalf("expected first request to resolve, got %+v", state)
	}
	if state.FileName != "second.png" {
		t.Fatalf("expected second file to stay staged, got %q", state.FileName)
	}
	if client.callCount() != 1 {
		t.Fatalf("expected exactly one request, got %d", client.callCount())
	}
	if client.lastFile.Name != "first.png" {
		t.Fatalf("in-flight request must keep its file, got %q", client.lastFile.Name)
	}
}

func TestReselectAfterResultReturnsToIdle(t *testing.T) {
	client := &stubClient{result: whorl()}
	w := newWorkflow(client)
	_ = w.Select(scan("a.png"))
	if _, err := w.Analyze(context.Background()); err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	waitResolved(t, w)

	if err := w.Select(scan("b.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	state := w.Snapshot()
	if state.Phase != PhaseIdle || state.Result != nil || state.Err != nil || state.RequestID != "" {
		t.Fatalf("expected cleared idle state, got %+v", state)
	}
	if client.callCount() != 1 {
		t.Fatalf("reselect must not trigger a request")
	}

	if _, err := w.Analyze(context.Background()); err != nil {
		t.Fatalf("second analyze failed: %v", err)
	}
	waitResolved(t, w)
	if client.callCount() != 2 || client.lastFile.Name != "b.png" {
		t.Fatalf("expected second request with b.png, got %d calls with %q", client.callCount(), client.lastFile.Name)
	}
}

func TestAnalyzeTimeoutBecomesTransportFailure(t *testing.T) {
	client := &stubClient{gate: make(chan struct{}), result: whorl()}
	defer close(client.gate)
	w := newWorkflow(client, WithTimeout(20*time.Millisecond))
	_ = w.Select(scan("a.png"))

	if _, err := w.Analyze(context.Background()); err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	state := waitResolved(t, w)
	if state.Phase != PhaseFailed || state.Err.Kind != prediction.KindTransportFailure {
		t.Fatalf("expected transport failure, got %+v", state)
	}
}

func TestAnalyzeOutlivesCallerCancellation(t *testing.T) {
	client := &stubClient{gate: make(chan struct{}), result: whorl()}
	w := newWorkflow(client)
	_ = w.Select(scan("a.png"))

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := w.Analyze(ctx); err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	cancel()
	close(client.gate)

	if state := waitResolved(t, w); state.Phase != PhaseSuccess {
		t.Fatalf("expected success despite caller cancellation, got %+v", state)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	client := &stubClient{gate: make(chan struct{}), result: whorl()}
	defer close(client.gate)
	w := newWorkflow(client)
	_ = w.Select(scan("a.png"))
	if _, err := w.Analyze(context.Background()); err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	state, err := w.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if state.Phase != PhaseLoading {
		t.Fatalf("expected loading snapshot, got %s", state.Phase)
	}
}

func TestRecorderReceivesOutcome(t *testing.T) {
	recorder := &stubRecorder{outcomes: make(chan prediction.Outcome, 1)}
	client := &stubClient{err: prediction.NewRequestRejectedError(500, "boom")}
	w := newWorkflow(client, WithRecorder(recorder), WithViewer("viewer-1"))
	_ = w.Select(scan("a.png"))

	requestID, err := w.Analyze(context.Background())
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	select {
	case outcome := <-recorder.outcomes:
		if outcome.RequestID != requestID || outcome.Viewer != "viewer-1" || outcome.Domain != prediction.Fingerprint {
			t.Fatalf("unexpected outcome identity: %+v", outcome)
		}
		if outcome.Succeeded() || outcome.Result != nil || outcome.Err.Message != "boom" {
			t.Fatalf("unexpected outcome result: %+v", outcome)
		}
		if len(outcome.FileSHA1) != 40 {
			t.Fatalf("expected sha1 hex digest, got %q", outcome.FileSHA1)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recorder was not called")
	}
}

func TestPhaseMarshalsByName(t *testing.T) {
	text, err := PhaseLoading.MarshalText()
	if err != nil || string(text) != "loading" {
		t.Fatalf("unexpected text %q (%v)", text, err)
	}
}
