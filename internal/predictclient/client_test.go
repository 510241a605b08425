package predictclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/dactylo/internal/prediction"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(server.URL, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func testFile() prediction.File {
	return prediction.File{Name: "scan.png", ContentType: "image/png", Data: pngHeader}
}

func requireKind(t *testing.T, err error, kind prediction.Kind) *prediction.Error {
	t.Helper()
	var predErr *prediction.Error
	if !errors.As(err, &predErr) {
		t.Fatalf("expected *prediction.Error, got %T (%v)", err, err)
	}
	if predErr.Kind != kind {
		t.Fatalf("expected kind %s, got %s", kind, predErr.Kind)
	}
	return predErr
}

func TestSubmitPostsMultipartToDomainEndpoint(t *testing.T) {
	for _, domain := range prediction.Domains() {
		domain := domain
		t.Run(string(domain), func(t *testing.T) {
			var gotPath, gotType, gotName, gotRequestID string
			var gotBytes []byte
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotRequestID = r.Header.Get("X-Request-ID")
				file, header, err := r.FormFile(FileField)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				defer file.Close()
				gotName = header.Filename
				gotType = header.Header.Get("Content-Type")
				gotBytes, _ = io.ReadAll(file)
				_, _ = w.Write([]byte(`{"predicted_class":"class2_whorl","confidence":0.87}`))
			})

			ctx := prediction.WithRequestID(context.Background(), "req-42")
			result, err := client.Submit(ctx, domain, testFile())
			if err != nil {
				t.Fatalf("expected success, got error: %v", err)
			}
			if result.PredictedClass != "class2_whorl" {
				t.Fatalf("unexpected class: %s", result.PredictedClass)
			}
			if gotPath != domain.EndpointPath() {
				t.Fatalf("expected path %s, got %s", domain.EndpointPath(), gotPath)
			}
			if gotName != "scan.png" || gotType != "image/png" {
				t.Fatalf("unexpected part metadata: name=%q type=%q", gotName, gotType)
			}
			if string(gotBytes) != string(pngHeader) {
				t.Fatalf("payload was not forwarded intact")
			}
			if gotRequestID != "req-42" {
				t.Fatalf("expected request id header, got %q", gotRequestID)
			}
		})
	}
}

func TestSubmitRejectsEmptyFileWithoutCallingService(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})

	_, err := client.Submit(context.Background(), prediction.Fingerprint, prediction.File{Name: "empty.png"})
	requireKind(t, err, prediction.KindValidation)
	if calls != 0 {
		t.Fatalf("expected no request, got %d", calls)
	}
}

func TestSubmitUsesDetailFromErrorBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail": "corrupt image"}`))
	})

	_, err := client.Submit(context.Background(), prediction.Fingerprint, testFile())
	predErr := requireKind(t, err, prediction.KindRequestRejected)
	if predErr.Message != "corrupt image" {
		t.Fatalf("expected server message, got %q", predErr.Message)
	}
	if predErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected status to be kept, got %d", predErr.StatusCode)
	}
}

func TestSubmitFallsBackToGenericMessageForUnparsableBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	})

	_, err := client.Submit(context.Background(), prediction.BloodType, testFile())
	predErr := requireKind(t, err, prediction.KindRequestRejected)
	if predErr.Message != prediction.GenericNetworkMessage {
		t.Fatalf("expected generic message, got %q", predErr.Message)
	}
}

func TestSubmitUsesDomainFallbackWhenBodyHasNoMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail": [{"loc": ["body", "file"]}]}`))
	})

	_, err := client.Submit(context.Background(), prediction.BloodType, testFile())
	predErr := requireKind(t, err, prediction.KindRequestRejected)
	if predErr.Message != "Failed to analyze blood type" {
		t.Fatalf("unexpected message: %q", predErr.Message)
	}
}

func TestSubmitAcceptsErrorKeyFromService(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": "Blood model not loaded"}`))
	})

	_, err := client.Submit(context.Background(), prediction.BloodType, testFile())
	predErr := requireKind(t, err, prediction.KindRequestRejected)
	if predErr.Message != "Blood model not loaded" {
		t.Fatalf("unexpected message: %q", predErr.Message)
	}
}

func TestSubmitReportsMalformedSuccessBody(t *testing.T) {
	bodies := map[string]string{
		"not json":            `ok`,
		"missing class":       `{"confidence":0.5}`,
		"confidence too high": `{"predicted_class":"A+","confidence":1.5}`,
	}
	for name, body := range bodies {
		body := body
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			_, err := client.Submit(context.Background(), prediction.BloodType, testFile())
			requireKind(t, err, prediction.KindMalformedResponse)
		})
	}
}

func TestSubmitReportsTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client, err := New(url, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	_, err = client.Submit(context.Background(), prediction.Fingerprint, testFile())
	predErr := requireKind(t, err, prediction.KindTransportFailure)
	if predErr.Message != prediction.GenericNetworkMessage {
		t.Fatalf("unexpected message: %q", predErr.Message)
	}
}

func TestSubmitTimeoutIsTransportFailure(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Submit(ctx, prediction.Fingerprint, testFile())
	predErr := requireKind(t, err, prediction.KindTransportFailure)
	if !IsTimeout(predErr) {
		t.Fatalf("expected a timeout cause, got %v", predErr.Err)
	}
}

func TestMediaTypeSniffsUndeclaredContent(t *testing.T) {
	got := MediaType(prediction.File{Data: pngHeader})
	if got != "image/png" {
		t.Fatalf("expected image/png, got %s", got)
	}
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8000", "ftp://example.com"} {
		if _, err := New(raw, zap.NewNop()); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestHealthDecodesModelsLoaded(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"status":"API is running","models_loaded":{"inception":true,"efficientnet":false,"blood":true}}`))
	})

	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !health.ModelsLoaded["inception"] || health.ModelsLoaded["efficientnet"] || !health.ModelsLoaded["blood"] {
		t.Fatalf("unexpected models: %+v", health.ModelsLoaded)
	}
}
