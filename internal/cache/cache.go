package cache

import (
	"context"
	"time"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
)

// ClosureReportCache stores rendered closure report projections by closure id.
// A miss is reported as (nil, false, nil).
type ClosureReportCache interface {
	Get(ctx context.Context, closureID string) (*domain.ClosureReport, bool, error)
	Set(ctx context.Context, closureID string, value *domain.ClosureReport, ttl time.Duration) error
	Delete(ctx context.Context, closureID string) error
}

type NoopClosureReportCache struct{}

func (NoopClosureReportCache) Get(_ context.Context, _ string) (*domain.ClosureReport, bool, error) {
	return nil, false, nil
}

func (NoopClosureReportCache) Set(_ context.Context, _ string, _ *domain.ClosureReport, _ time.Duration) error {
	return nil
}

func (NoopClosureReportCache) Delete(_ context.Context, _ string) error {
	return nil
}
