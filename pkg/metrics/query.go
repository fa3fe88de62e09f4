// Package metrics queries the Prometheus series pkg/agent/llm's metrics
// middleware records, for the WebUI's aggregate chart endpoints.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RoleMetrics summarizes Provider Adapter call volume and latency for one
// agent role over the query window.
type RoleMetrics struct {
	Role           string  `json:"role"`
	RequestCount   int64   `json:"request_count"`
	ErrorCount     int64   `json:"error_count"`
	RetryCount     int64   `json:"retry_count"`
	AvgDurationSec float64 `json:"avg_duration_sec"`
}

// QueryService queries a running Prometheus server for aggregate orchestrator metrics.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a metrics query service backed by prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

// GetRoleMetrics retrieves aggregated Provider Adapter call metrics for role
// (e.g. "executor", "tester") across every subtask it has processed.
func (q *QueryService) GetRoleMetrics(ctx context.Context, role string) (*RoleMetrics, error) {
	metrics := &RoleMetrics{Role: role}

	requestsQuery := fmt.Sprintf(`sum(provider_requests_total{role=%q})`, role)
	requests, _, err := q.queryAPI.Query(ctx, requestsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query request count: %w", err)
	}
	if vector, ok := requests.(model.Vector); ok && len(vector) > 0 {
		metrics.RequestCount = int64(vector[0].Value)
	}

	errorsQuery := fmt.Sprintf(`sum(provider_requests_total{role=%q, status="error"})`, role)
	errs, _, err := q.queryAPI.Query(ctx, errorsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query error count: %w", err)
	}
	if vector, ok := errs.(model.Vector); ok && len(vector) > 0 {
		metrics.ErrorCount = int64(vector[0].Value)
	}

	retriesQuery := fmt.Sprintf(`sum(provider_retry_total{role=%q})`, role)
	retries, _, err := q.queryAPI.Query(ctx, retriesQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query retry count: %w", err)
	}
	if vector, ok := retries.(model.Vector); ok && len(vector) > 0 {
		metrics.RetryCount = int64(vector[0].Value)
	}

	avgDurationQuery := fmt.Sprintf(
		`rate(provider_request_duration_seconds_sum{role=%q}[5m]) / rate(provider_request_duration_seconds_count{role=%q}[5m])`,
		role, role,
	)
	avgDuration, _, err := q.queryAPI.Query(ctx, avgDurationQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query average duration: %w", err)
	}
	if vector, ok := avgDuration.(model.Vector); ok && len(vector) > 0 {
		metrics.AvgDurationSec = float64(vector[0].Value)
	}

	return metrics, nil
}
