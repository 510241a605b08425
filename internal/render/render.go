// Package render maps prediction results to display models. Renderers are
// pure: they read a result and never touch workflow state.
package render

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/example/dactylo/internal/prediction"
)

// Row is one line of the probability breakdown.
type Row struct {
	Label   string `json:"label"`
	Percent int    `json:"percent"`
}

// Detail is one line of the domain-specific secondary panel.
type Detail struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

func (d Detail) String() string {
	return d.Label + ": " + d.Value
}

// DisplayModel is everything a view needs to present a result.
type DisplayModel struct {
	Domain            prediction.Domain `json:"domain"`
	Title             string            `json:"title"`
	Label             string            `json:"label"`
	ConfidencePercent int               `json:"confidence_percent"`
	Breakdown         []Row             `json:"breakdown,omitempty"`
	Details           []Detail          `json:"details,omitempty"`
}

// Text renders the model as plain text, one fact per line.
func (m DisplayModel) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\nConfidence Score: %d%%\n", m.Title, m.Label, m.ConfidencePercent)
	if len(m.Breakdown) > 0 {
		b.WriteString("\nProbability Breakdown\n")
		for _, row := range m.Breakdown {
			fmt.Fprintf(&b, "  %s: %d%%\n", row.Label, row.Percent)
		}
	}
	if len(m.Details) > 0 {
		b.WriteString("\nAnalysis Details\n")
		for _, d := range m.Details {
			fmt.Fprintf(&b, "  %s\n", d)
		}
	}
	return b.String()
}

// Renderer turns a populated result into a display model.
type Renderer interface {
	Render(result *prediction.Result) DisplayModel
}

// For returns the renderer of a domain. Unknown domains get the generic
// renderer without a secondary panel.
func For(domain prediction.Domain) Renderer {
	switch domain {
	case prediction.BloodType:
		return bloodTypeRenderer{}
	case prediction.Fingerprint:
		return fingerprintRenderer{}
	}
	return baseRenderer{domain: domain, title: "Classification Result"}
}

type baseRenderer struct {
	domain prediction.Domain
	title  string
}

func (r baseRenderer) Render(result *prediction.Result) DisplayModel {
	model := DisplayModel{Domain: r.domain, Title: r.title}
	if result == nil {
		model.Label = unknownLabel
		return model
	}
	model.Label = FormatLabel(result.PredictedClass)
	model.ConfidencePercent = Percent(result.Confidence)
	if len(result.Probabilities) > 0 {
		model.Breakdown = make([]Row, 0, len(result.Probabilities))
		for _, p := range result.Probabilities {
			model.Breakdown = append(model.Breakdown, Row{Label: FormatLabel(p.Class), Percent: Percent(p.Probability)})
		}
	}
	return model
}

type fingerprintRenderer struct{}

func (fingerprintRenderer) Render(result *prediction.Result) DisplayModel {
	return baseRenderer{domain: prediction.Fingerprint, title: "Pattern Detected"}.Render(result)
}

type bloodTypeRenderer struct{}

func (bloodTypeRenderer) Render(result *prediction.Result) DisplayModel {
	model := baseRenderer{domain: prediction.BloodType, title: "Blood Type Detected"}.Render(result)
	if result == nil || result.Details == nil {
		return model
	}
	if result.Details.RhFactor != "" {
		model.Details = append(model.Details, Detail{Label: "Rh Factor", Value: result.Details.RhFactor})
	}
	if result.Details.AntigensDetected != nil {
		model.Details = append(model.Details, Detail{Label: "Antigens Detected", Value: strings.Join(result.Details.AntigensDetected, ", ")})
	}
	return model
}

const unknownLabel = "Unknown"

var classIndexPrefix = regexp.MustCompile(`^class\d+_`)

// FormatLabel strips a classN_ prefix, turns underscores into spaces and
// upper-cases the rest: "class2_whorl" becomes "WHORL".
func FormatLabel(class string) string {
	if class == "" {
		return unknownLabel
	}
	label := classIndexPrefix.ReplaceAllString(class, "")
	return strings.ToUpper(strings.ReplaceAll(label, "_", " "))
}

// Percent converts a probability to a whole percentage, rounding half up.
func Percent(probability float64) int {
	return int(math.Floor(probability*100 + 0.5))
}
