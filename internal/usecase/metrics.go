package usecase

import "context"

// MetricsSummary represents aggregated screening insights.
type MetricsSummary struct {
	TotalScreenings            int64   `json:"total_screenings"`
	CariesDetected             int64   `json:"caries_detected"`
	CariesRate                 float64 `json:"caries_rate"`
	AverageScore               float64 `json:"average_score"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates screening metrics from persisted logs.
func (uc *ScreeningUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalScreenings:            aggregation.TotalCount,
		CariesDetected:             aggregation.CariesCount,
		AverageScore:               aggregation.AverageScore,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.CariesRate = float64(aggregation.CariesCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
