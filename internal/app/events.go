package app

import (
	"context"
	"fmt"

	"github.com/Amund211/asyncrefresh/internal/adapters/clusterbus"
	"github.com/Amund211/asyncrefresh/internal/domain"
	"github.com/Amund211/asyncrefresh/internal/reporting"
)

const MaxRecentEvents = 500

type ListRecentEvents func(ctx context.Context, limit int) ([]clusterbus.RecordedEvent, error)

type recentEventsProvider interface {
	Recent(ctx context.Context, limit int) ([]clusterbus.RecordedEvent, error)
}

func BuildListRecentEvents(provider recentEventsProvider) ListRecentEvents {
	return func(ctx context.Context, limit int) ([]clusterbus.RecordedEvent, error) {
		if limit < 1 || limit > MaxRecentEvents {
			return nil, fmt.Errorf("%w: limit must be between 1 and %d, got %d", domain.ErrIllegalArgument, MaxRecentEvents, limit)
		}

		events, err := provider.Recent(ctx, limit)
		if err != nil {
			err := fmt.Errorf("could not list recent events: %w", err)
			reporting.Report(ctx, err)
			return nil, err
		}
		return events, nil
	}
}
