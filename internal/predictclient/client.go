package predictclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/example/dactylo/internal/logging"
	"github.com/example/dactylo/internal/prediction"
)

const (
	// FileField is the multipart field that carries the image.
	FileField = "file"
	// DefaultTimeout bounds a single HTTP exchange when no client is supplied.
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 4 << 20
	noFileMessage    = "Please select an image first"
)

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// Client talks to the classification service over HTTP.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *zap.Logger
}

var _ prediction.Client = (*Client)(nil)

// New returns a client for the service rooted at baseURL.
func New(baseURL string, logger *zap.Logger, opts ...Option) (*Client, error) {
	parsed, err := ParseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL: parsed,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  logger.Named("predict_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ParseBaseURL validates an API origin such as http://localhost:8000.
func ParseBaseURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid API base URL %q: scheme must be http or https", raw)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q: host is required", raw)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed, nil
}

// BaseURL returns a copy of the configured origin.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Submit posts the file to the endpoint of domain and returns the parsed
// result. Every failure is a *prediction.Error; nothing is retried.
func (c *Client) Submit(ctx context.Context, domain prediction.Domain, file prediction.File) (*prediction.Result, error) {
	requestID := prediction.RequestIDFrom(ctx)
	opLogger := logging.WithDomain(logging.WithOperation(c.logger, "predictclient.submit", requestID), string(domain))

	if file.Empty() {
		return nil, prediction.NewValidationError(noFileMessage)
	}
	path := domain.EndpointPath()
	if path == "" {
		return nil, prediction.NewValidationError(fmt.Sprintf("unknown classification domain %q", domain))
	}

	body, contentType, err := encodeMultipart(file)
	if err != nil {
		opLogger.Error("failed to encode upload", zap.Error(err))
		return nil, prediction.Classify(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), body)
	if err != nil {
		opLogger.Error("failed to build request", zap.Error(err))
		return nil, prediction.NewTransportError(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		predErr := prediction.NewTransportError(err)
		opLogger.Warn("prediction request failed", zap.Error(err))
		return nil, predErr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		opLogger.Warn("failed to read prediction response", zap.Error(err), zap.Int("status", resp.StatusCode))
		return nil, prediction.NewTransportError(err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		predErr := prediction.NewRequestRejectedError(resp.StatusCode, rejectionMessage(data, domain))
		opLogger.Warn("prediction rejected", zap.Int("status", resp.StatusCode), zap.String("message", predErr.Message))
		return nil, predErr
	}

	result, err := prediction.ParseResult(data)
	if err != nil {
		opLogger.Warn("malformed prediction response", zap.Error(err))
		return nil, err
	}
	if len(result.LegacyKeys) > 0 {
		opLogger.Warn("response used legacy keys", zap.Strings("keys", result.LegacyKeys))
	}
	if result.MissingPredictedProbability() {
		opLogger.Warn("probability breakdown has no entry for predicted class", zap.String("predicted_class", result.PredictedClass))
	}
	opLogger.Debug("prediction received",
		zap.String("predicted_class", result.PredictedClass),
		zap.Float64("confidence", result.Confidence))
	return result, nil
}

// Health reports which models the service has loaded.
type Health struct {
	Status       string          `json:"status"`
	ModelsLoaded map[string]bool `json:"models_loaded"`
}

// Health queries the service root.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/"), nil)
	if err != nil {
		return nil, logging.NewOperationError("predictclient.health", "", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, logging.NewOperationError("predictclient.health", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, logging.NewOperationError("predictclient.health", "", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	var health Health
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&health); err != nil {
		return nil, logging.NewOperationError("predictclient.health", "", err)
	}
	return &health, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// rejectionMessage extracts the service explanation from an error body.
// An unreadable body yields the generic network message; a readable body
// without an explanation yields the per-domain fallback.
func rejectionMessage(data []byte, domain prediction.Domain) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return prediction.GenericNetworkMessage
	}
	for _, raw := range []json.RawMessage{body.Detail, body.Error} {
		var message string
		if len(raw) > 0 && json.Unmarshal(raw, &message) == nil && message != "" {
			return message
		}
	}
	return "Failed to analyze " + domain.DisplayName()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeMultipart(file prediction.File) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	name := file.Name
	if name == "" {
		name = "upload"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FileField, quoteEscaper.Replace(name)))
	header.Set("Content-Type", MediaType(file))

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

// MediaType returns the declared media type of file, sniffing the bytes
// when none was declared.
func MediaType(file prediction.File) string {
	if file.ContentType != "" {
		return file.ContentType
	}
	if len(file.Data) == 0 {
		return "application/octet-stream"
	}
	return mimetype.Detect(file.Data).String()
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
