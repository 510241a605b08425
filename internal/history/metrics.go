package history

import "context"

// DomainSummary represents aggregated request insights for one domain.
type DomainSummary struct {
	Domain             string  `json:"domain"`
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	AverageConfidence  float64 `json:"average_confidence"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

// MetricsSummary represents aggregated request insights across domains.
type MetricsSummary struct {
	TotalRequests      int64           `json:"total_requests"`
	SuccessfulRequests int64           `json:"successful_requests"`
	SuccessRate        float64         `json:"success_rate"`
	Domains            []DomainSummary `json:"domains"`
}

// Summary aggregates request metrics from persisted logs.
func (s *Service) Summary(ctx context.Context) (*MetricsSummary, error) {
	rows, err := s.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{Domains: make([]DomainSummary, 0, len(rows))}
	for _, row := range rows {
		domain := DomainSummary{
			Domain:             row.Domain,
			TotalRequests:      row.TotalCount,
			SuccessfulRequests: row.SuccessCount,
			AverageConfidence:  row.AverageConfidence,
			AverageLatencyMs:   row.AverageLatencyMs,
		}
		if row.TotalCount > 0 {
			domain.SuccessRate = float64(row.SuccessCount) / float64(row.TotalCount)
		}
		summary.TotalRequests += row.TotalCount
		summary.SuccessfulRequests += row.SuccessCount
		summary.Domains = append(summary.Domains, domain)
	}

	if summary.TotalRequests > 0 {
		summary.SuccessRate = float64(summary.SuccessfulRequests) / float64(summary.TotalRequests)
	}
	return summary, nil
}
