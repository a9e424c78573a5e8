package source

import (
	"context"
	"errors"
	"time"

	"github.com/gridsight/gridsight/pkg/types"
)

// ErrUnavailable indicates the source could not produce data within its retry
// budget or the remote payload was missing. It is an expected steady-state
// condition (inverter powered down overnight, vendor API hiccup) and is never
// escalated past the client boundary.
var ErrUnavailable = errors.New("data unavailable")

// Source produces normalized telemetry snapshots. Implementations own their
// transport (Modbus connection or cloud session) and their own retry policy;
// callers bound a whole sample with the context deadline.
type Source interface {
	// Sample reads the plant and returns one normalized Reading.
	Sample(ctx context.Context) (types.Reading, error)
}

// HistoryProvider is the subset of the cloud client the aggregation layer
// uses to reconcile historical days and to report vendor-side totals.
type HistoryProvider interface {
	// DayChart returns the seven parallel 5-minute series for a day.
	DayChart(ctx context.Context, date time.Time) (types.DayChart, error)

	// DailyTotals returns the vendor-reported kWh sums for a day.
	DailyTotals(ctx context.Context, date time.Time) (types.DailyTotal, error)

	// PeriodTotals returns the vendor-reported day and lifetime aggregates.
	PeriodTotals(ctx context.Context, date time.Time) (types.PeriodTotals, error)
}
