package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Estimator maps a queue position to an expected wait in minutes.
// Implementations must never fail: the join and poll paths depend on
// always getting a number back.
type Estimator interface {
	Estimate(ctx context.Context, avgMinutes, position, queueDepth int) int
}

// FixedEstimator is the default: time for everyone strictly ahead to be
// served, avg_minutes * (position - 1). Position 1 is next and waits 0.
type FixedEstimator struct{}

func (FixedEstimator) Estimate(_ context.Context, avgMinutes, position, _ int) int {
	if position <= 1 || avgMinutes <= 0 {
		return 0
	}
	return avgMinutes * (position - 1)
}

// RemoteEstimator consults an external estimation service and falls back
// to the wrapped estimator on any error, timeout, or malformed response.
type RemoteEstimator struct {
	client   *http.Client
	url      string
	fallback Estimator
	logger   zerolog.Logger
}

type estimateRequest struct {
	AvgMinutes int `json:"avg_minutes"`
	Position   int `json:"position"`
	QueueDepth int `json:"queue_depth"`
}

type estimateResponse struct {
	ETAMinutes int `json:"eta_minutes"`
}

func NewRemoteEstimator(url string, timeout time.Duration, fallback Estimator, logger zerolog.Logger) *RemoteEstimator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if fallback == nil {
		fallback = FixedEstimator{}
	}
	return &RemoteEstimator{
		client:   &http.Client{Timeout: timeout},
		url:      url,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *RemoteEstimator) Estimate(ctx context.Context, avgMinutes, position, queueDepth int) int {
	payload, err := json.Marshal(estimateRequest{
		AvgMinutes: avgMinutes,
		Position:   position,
		QueueDepth: queueDepth,
	})
	if err != nil {
		return r.fallback.Estimate(ctx, avgMinutes, position, queueDepth)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return r.fallback.Estimate(ctx, avgMinutes, position, queueDepth)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn().Err(err).Msg("remote estimator unavailable")
		return r.fallback.Estimate(ctx, avgMinutes, position, queueDepth)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.logger.Warn().Int("status", resp.StatusCode).Msg("remote estimator rejected request")
		return r.fallback.Estimate(ctx, avgMinutes, position, queueDepth)
	}

	var result estimateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.ETAMinutes < 0 {
		r.logger.Warn().Err(err).Msg("remote estimator returned malformed response")
		return r.fallback.Estimate(ctx, avgMinutes, position, queueDepth)
	}
	return result.ETAMinutes
}

// NoShowRisk scores how often a visitor has been marked no-show, clamped
// to [0, 1]. A visitor with no history scores 0.
func NoShowRisk(total, noShows int) float64 {
	if total <= 0 || noShows <= 0 {
		return 0
	}
	risk := float64(noShows) / float64(total)
	if risk > 1 {
		return 1
	}
	return risk
}
