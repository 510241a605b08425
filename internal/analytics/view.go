package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// LoadingMessage is shown until the payload arrives, and forever if the
	// single fetch fails.
	LoadingMessage = "Loading analytics..."
	// NotGenerated replaces a plot the service did not produce.
	NotGenerated = "Not generated"

	title       = "Fingerprint ↔ Blood Group Analytics"
	loadTimeout = 30 * time.Second
)

// Slot binds a named plot to its title and interpretive text.
type Slot struct {
	Key     string
	Title   string
	Insight string
}

// Slots is the fixed presentation order of the report.
var Slots = []Slot{
	{
		Key:   "probability_distribution",
		Title: "Probability Distribution",
		Insight: "Arc and Loop: the model is rarely confident when predicting these classes; their probability scores stay low. " +
			"Whorl: confidence is more varied, so this class can receive high-confidence predictions unlike the other two.",
	},
	{Key: "pattern_distribution", Title: "Fingerprint Pattern Distribution", Insight: "Frequency of each fingerprint type in the dataset."},
	{Key: "heatmap", Title: "Heatmap", Insight: "Raw counts showing how fingerprint types map to blood groups."},
	{Key: "percent_heatmap", Title: "% Heatmap", Insight: "Percent distribution, which helps compare across blood groups."},
	{Key: "barplot", Title: "Bar Chart", Insight: "Bar chart showing fingerprint count across each blood group."},
	{Key: "mosaic", Title: "Mosaic Plot", Insight: "Visual proportion of fingerprint types vs blood groups."},
	{Key: "residuals", Title: "Residual Heatmap", Insight: "Standardized residuals: deviation from expected counts under the independence assumption."},
	{Key: "correlation_encoded", Title: "Correlation (Encoded Labels)", Insight: "Correlation between encoded labels. A directional but weak signal is expected."},
	{Key: "log_odds", Title: "Log-Odds Ratio", Insight: "Log-odds values from the statistical model indicate the strength and direction of association."},
}

// Source is what a View needs from the analytics service.
type Source interface {
	Fetch(ctx context.Context) (*Payload, error)
	PlotURL(path string) string
}

// PlotCard is one plot slot with its insight.
type PlotCard struct {
	Key         string `json:"key"`
	Title       string `json:"title"`
	Generated   bool   `json:"generated"`
	ImageURL    string `json:"image_url,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Insight     string `json:"insight"`
}

// ChiSquareSummary is the formatted chi-square row.
type ChiSquareSummary struct {
	Chi2 string `json:"chi2"`
	P    string `json:"p"`
	DOF  string `json:"dof"`
}

// Display is the rendered analytics view.
type Display struct {
	Loading   bool              `json:"loading"`
	Message   string            `json:"message,omitempty"`
	Title     string            `json:"title,omitempty"`
	Cards     []PlotCard        `json:"cards,omitempty"`
	ChiSquare *ChiSquareSummary `json:"chi_square,omitempty"`
	Tables    *Tables           `json:"tables,omitempty"`
}

// View owns the analytics payload for one mounted view. It fetches once,
// never refreshes, and is dropped with the view.
type View struct {
	source Source
	logger *zap.Logger

	once    sync.Once
	mu      sync.RWMutex
	payload *Payload
}

// NewView creates an unloaded view.
func NewView(source Source, logger *zap.Logger) *View {
	return &View{source: source, logger: logger.Named("analytics_view")}
}

// Load performs the single fetch. Later calls wait for the first one and
// then return immediately. A failed fetch is logged and leaves the view
// loading.
func (v *View) Load(ctx context.Context) {
	v.once.Do(func() {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		payload, err := v.source.Fetch(fetchCtx)
		if err != nil {
			v.logger.Error("analytics fetch failed", zap.Error(err))
			return
		}
		v.mu.Lock()
		v.payload = payload
		v.mu.Unlock()
	})
}

// Payload returns the fetched payload or nil.
func (v *View) Payload() *Payload {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.payload
}

// PlotPath returns the server-relative path of a generated plot.
func (v *View) PlotPath(key string) (string, bool) {
	payload := v.Payload()
	if payload == nil {
		return "", false
	}
	path := payload.Plots[key]
	if path == nil || *path == "" {
		return "", false
	}
	return *path, true
}

// Display renders the current payload.
func (v *View) Display() Display {
	payload := v.Payload()
	if payload == nil {
		return Display{Loading: true, Message: LoadingMessage}
	}

	display := Display{Title: title, Cards: make([]PlotCard, 0, len(Slots))}
	for _, slot := range Slots {
		card := PlotCard{Key: slot.Key, Title: slot.Title, Insight: slot.Insight}
		if path := payload.Plots[slot.Key]; path != nil && *path != "" {
			card.Generated = true
			card.ImageURL = v.source.PlotURL(*path)
		} else {
			card.Placeholder = NotGenerated
		}
		display.Cards = append(display.Cards, card)
	}
	if cs := payload.Tables.ChiSquare; cs != nil {
		display.ChiSquare = FormatChiSquare(*cs)
	}
	tables := payload.Tables
	display.Tables = &tables
	return display
}

// FormatChiSquare fixes chi2 to 4 decimals, p to 6 and prints dof as an integer.
func FormatChiSquare(cs ChiSquare) *ChiSquareSummary {
	return &ChiSquareSummary{
		Chi2: fmt.Sprintf("%.4f", cs.Chi2),
		P:    fmt.Sprintf("%.6f", cs.P),
		DOF:  fmt.Sprintf("%d", cs.DOF),
	}
}
