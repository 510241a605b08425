// Package analytics consumes the precomputed fingerprint/blood-group
// association report. It never computes anything: it fetches the payload,
// binds plot slots to fixed insight texts and formats the chi-square row.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/example/dactylo/internal/logging"
)

const (
	maxPayloadBytes = 8 << 20
	maxPlotBytes    = 16 << 20
)

// ChiSquare is the independence test between pattern and blood group.
type ChiSquare struct {
	Chi2 float64 `json:"chi2"`
	P    float64 `json:"p"`
	DOF  int     `json:"dof"`
}

// Tables holds the statistical tables exactly as the service produced them.
type Tables struct {
	Frequency   json.RawMessage `json:"frequency,omitempty"`
	Expected    json.RawMessage `json:"expected,omitempty"`
	Residuals   json.RawMessage `json:"residuals,omitempty"`
	Correlation json.RawMessage `json:"correlation,omitempty"`
	ChiSquare   *ChiSquare      `json:"chi_square,omitempty"`
}

// Payload is the body of GET /analytics. A nil plot path means the plot
// was not generated.
type Payload struct {
	Plots  map[string]*string `json:"plots"`
	Tables Tables             `json:"tables"`
}

// Plot is a fetched plot image.
type Plot struct {
	ContentType string
	Data        []byte
}

// Client reads the analytics resource and its plot images.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *zap.Logger
}

// NewClient returns a client rooted at the API origin.
func NewClient(baseURL *url.URL, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	u := *baseURL
	return &Client{baseURL: &u, http: httpClient, logger: logger.Named("analytics_client")}
}

// Fetch retrieves the analytics payload.
func (c *Client) Fetch(ctx context.Context) (*Payload, error) {
	body, _, err := c.get(ctx, c.resolve("/analytics"), maxPayloadBytes)
	if err != nil {
		return nil, logging.NewOperationError("analytics.fetch", "", err)
	}
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, logging.NewOperationError("analytics.fetch", "", fmt.Errorf("decode payload: %w", err))
	}
	return &payload, nil
}

// PlotURL joins a server-relative plot path onto the API origin.
// Windows separators produced by the service are normalised.
func (c *Client) PlotURL(path string) string {
	return c.resolve("/" + strings.TrimLeft(strings.ReplaceAll(path, "\\", "/"), "/"))
}

// FetchPlot downloads the image behind a server-relative plot path.
func (c *Client) FetchPlot(ctx context.Context, path string) (*Plot, error) {
	body, contentType, err := c.get(ctx, c.PlotURL(path), maxPlotBytes)
	if err != nil {
		return nil, logging.NewOperationError("analytics.fetch_plot", "", err)
	}
	if contentType == "" {
		contentType = mimetype.Detect(body).String()
	}
	return &Plot{ContentType: contentType, Data: body}, nil
}

func (c *Client) resolve(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) get(ctx context.Context, target string, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("GET %s: unexpected status %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}
