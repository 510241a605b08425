// Package handlers exposes the classification views over HTTP.
package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/dactylo/internal/analytics"
	"github.com/example/dactylo/internal/auth"
	"github.com/example/dactylo/internal/health"
	"github.com/example/dactylo/internal/history"
	"github.com/example/dactylo/internal/prediction"
	"github.com/example/dactylo/internal/render"
	"github.com/example/dactylo/internal/session"
	"github.com/example/dactylo/internal/workflow"
)

// MaxUploadSize is the default cap on an uploaded image.
const MaxUploadSize = 10 << 20

// multipartOverhead is the slack allowed on top of the file for form framing.
const multipartOverhead = 1 << 20

// uploadFields are the accepted multipart field names, in lookup order.
var uploadFields = []string{"file", "image"}

// History serves persisted outcomes.
type History interface {
	GetOutcome(ctx context.Context, viewer, requestID string) (*history.Entry, error)
	Summary(ctx context.Context) (*history.MetricsSummary, error)
}

// HealthReporter serves the latest upstream probe.
type HealthReporter interface {
	Snapshot() health.Status
}

// PlotFetcher downloads analytics plot images.
type PlotFetcher interface {
	FetchPlot(ctx context.Context, path string) (*analytics.Plot, error)
}

// Deps are the collaborators of the HTTP handlers. History, Health and
// Plots are optional; their routes answer 503 when absent.
type Deps struct {
	Registry      *session.Registry
	History       History
	Health        HealthReporter
	Plots         PlotFetcher
	MaxUploadSize int64
	WaitTimeout   time.Duration
	Logger        *zap.Logger
}

type viewResponse struct {
	Domain    prediction.Domain    `json:"domain"`
	Phase     workflow.Phase       `json:"phase"`
	RequestID string               `json:"request_id,omitempty"`
	FileName  string               `json:"file_name,omitempty"`
	Preview   string               `json:"preview,omitempty"`
	Display   *render.DisplayModel `json:"display,omitempty"`
	Error     string               `json:"error,omitempty"`
	ErrorKind string               `json:"error_kind,omitempty"`
}

type server struct {
	deps   Deps
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Deps, authMiddleware gin.HandlerFunc) {
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = MaxUploadSize
	}
	if deps.WaitTimeout <= 0 {
		deps.WaitTimeout = workflow.DefaultTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &server{deps: deps, logger: deps.Logger.Named("http")}

	router.GET("/health", s.health)

	api := router.Group("/")
	if authMiddleware != nil {
		api.Use(authMiddleware)
	}
	api.GET("/views/:domain", s.getView)
	api.POST("/views/:domain/file", s.selectFile)
	api.POST("/views/:domain/analyze", s.analyze)
	api.DELETE("/views", s.unmount)
	api.GET("/analytics", s.getAnalytics)
	api.GET("/analytics/plots/:key", s.getPlot)
	api.GET("/predictions/metrics", s.getMetrics)
	api.GET("/predictions/:id", s.getPrediction)
}

func (s *server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.deps.Health != nil {
		body["upstream"] = s.deps.Health.Snapshot()
	}
	c.JSON(http.StatusOK, body)
}

func (s *server) getView(c *gin.Context) {
	wf, ok := s.workflow(c)
	if !ok {
		return
	}

	state := wf.Snapshot()
	if c.Query("wait") == "true" {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.deps.WaitTimeout)
		defer cancel()
		state, _ = wf.Wait(ctx)
	}
	c.JSON(http.StatusOK, toViewResponse(state))
}

func (s *server) selectFile(c *gin.Context) {
	wf, ok := s.workflow(c)
	if !ok {
		return
	}

	limit := s.deps.MaxUploadSize
	if c.Request.ContentLength > limit+multipartOverhead {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)

	header, err := formFile(c)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if header.Size > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}

	src, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	contentType, ok := imageContentType(header.Header.Get("Content-Type"), data)
	if !ok {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only image files are accepted"})
		return
	}

	file := prediction.File{Name: header.Filename, ContentType: contentType, Data: data}
	if err := wf.Select(file); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toViewResponse(wf.Snapshot()))
}

func (s *server) analyze(c *gin.Context) {
	wf, ok := s.workflow(c)
	if !ok {
		return
	}

	requestID, err := wf.Analyze(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"request_id": requestID,
		"phase":      workflow.PhaseLoading,
	})
}

func (s *server) unmount(c *gin.Context) {
	viewer, ok := viewerID(c)
	if !ok {
		return
	}
	s.deps.Registry.Unmount(viewer)
	c.Status(http.StatusNoContent)
}

func (s *server) getAnalytics(c *gin.Context) {
	views, ok := s.views(c)
	if !ok {
		return
	}
	views.Analytics.Load(c.Request.Context())
	c.JSON(http.StatusOK, views.Analytics.Display())
}

func (s *server) getPlot(c *gin.Context) {
	if s.deps.Plots == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "plots unavailable"})
		return
	}
	views, ok := s.views(c)
	if !ok {
		return
	}
	views.Analytics.Load(c.Request.Context())

	path, ok := views.Analytics.PlotPath(c.Param("key"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": analytics.NotGenerated})
		return
	}
	plot, err := s.deps.Plots.FetchPlot(c.Request.Context(), path)
	if err != nil {
		s.logger.Warn("plot fetch failed", zap.String("key", c.Param("key")), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch plot"})
		return
	}
	c.Data(http.StatusOK, plot.ContentType, plot.Data)
}

func (s *server) getPrediction(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history unavailable"})
		return
	}
	viewer, ok := viewerID(c)
	if !ok {
		return
	}

	entry, err := s.deps.History.GetOutcome(c.Request.Context(), viewer, c.Param("id"))
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "prediction not found"})
			return
		}
		s.logger.Error("prediction lookup failed", zap.String("request_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load prediction"})
		return
	}

	body := gin.H{"entry": entry}
	if entry.Result != nil {
		body["display"] = render.For(entry.Domain).Render(entry.Result)
	}
	c.JSON(http.StatusOK, body)
}

func (s *server) getMetrics(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history unavailable"})
		return
	}
	summary, err := s.deps.History.Summary(c.Request.Context())
	if err != nil {
		s.logger.Error("metrics summary failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *server) views(c *gin.Context) (*session.Views, bool) {
	viewer, ok := viewerID(c)
	if !ok {
		return nil, false
	}
	return s.deps.Registry.Mount(viewer), true
}

func (s *server) workflow(c *gin.Context) (*workflow.Workflow, bool) {
	domain, err := prediction.ParseDomain(c.Param("domain"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	views, ok := s.views(c)
	if !ok {
		return nil, false
	}
	wf, ok := views.Workflow(domain)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown domain"})
		return nil, false
	}
	return wf, true
}

func viewerID(c *gin.Context) (string, bool) {
	viewer, ok := auth.ViewerID(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "viewer identity required"})
		return "", false
	}
	return viewer, true
}

func formFile(c *gin.Context) (*multipart.FileHeader, error) {
	var err error
	for _, field := range uploadFields {
		var header *multipart.FileHeader
		if header, err = c.FormFile(field); err == nil {
			return header, nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, err
		}
	}
	return nil, err
}

// imageContentType accepts content sniffed as an image, or opaque content
// the client declared as one.
func imageContentType(declared string, data []byte) (string, bool) {
	sniffed := mimetype.Detect(data)
	if strings.HasPrefix(sniffed.String(), "image/") {
		return sniffed.String(), true
	}
	if sniffed.Is("application/octet-stream") && strings.HasPrefix(declared, "image/") {
		return declared, true
	}
	return "", false
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, workflow.ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": "analysis already in progress"})
		return
	}
	var predErr *prediction.Error
	if errors.As(err, &predErr) && predErr.Kind == prediction.KindValidation {
		c.JSON(http.StatusBadRequest, gin.H{"error": predErr.Message, "error_kind": predErr.Kind.String()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected error"})
}

func toViewResponse(state workflow.State) viewResponse {
	resp := viewResponse{
		Domain:    state.Domain,
		Phase:     state.Phase,
		RequestID: state.RequestID,
		FileName:  state.FileName,
		Preview:   state.Preview,
	}
	switch state.Phase {
	case workflow.PhaseSuccess:
		if state.Result != nil {
			model := render.For(state.Domain).Render(state.Result)
			resp.Display = &model
		}
	case workflow.PhaseFailed:
		if state.Err != nil {
			resp.Error = state.Err.Message
			resp.ErrorKind = state.Err.Kind.String()
		}
	}
	return resp
}
