// Package aggregate turns stored readings into daily and hourly energy
// totals and reconciles past days against the vendor cloud.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/gridsight/gridsight/pkg/log"
	"github.com/gridsight/gridsight/pkg/poller"
	"github.com/gridsight/gridsight/pkg/source"
	"github.com/gridsight/gridsight/pkg/storage"
	"github.com/gridsight/gridsight/pkg/types"
)

// CompleteDayHours is how many distinct hours of rows a cached day needs
// before it is reported as complete. Cloud-reconciled days produce up to 24
// hourly rows; a day that was only partially polled stays below this.
const CompleteDayHours = 20

// MaxRangeDays bounds date-range queries.
const MaxRangeDays = 90

// hourlyRowGap is the inferred-interval threshold above which rows are
// treated as hourly averages rather than poll samples.
const hourlyRowGap = 30 * time.Minute

// inferSamplePairs is how many leading gaps the interval inference averages.
const inferSamplePairs = 5

// ErrRangeTooLarge is returned when a range query spans more than
// MaxRangeDays days.
var ErrRangeTooLarge = fmt.Errorf("range exceeds %d days", MaxRangeDays)

// DayResult is a reconciled day's totals plus how they were obtained and how
// trustworthy they are.
type DayResult struct {
	Totals types.DailyTotal `json:"totals"`
	// Source is "cache" when the totals came from stored rows and "api" when
	// the day was fetched from the cloud.
	Source string `json:"source"`
	// DistinctHours counts the hours of the day with at least one stored row.
	DistinctHours int  `json:"distinctHours"`
	Complete      bool `json:"complete"`
}

// Aggregator computes energy totals over the persisted log, falling back to
// the in-memory ring, and uses the cloud history provider to fill past days.
type Aggregator struct {
	store        *storage.Store
	history      source.HistoryProvider
	pollInterval time.Duration
}

// Configured sets up the aggregator. The cloud client may be absent when no
// credentials were configured; reconciliation of uncached days then fails
// with source.ErrUnavailable. The poller must have been Configured first so
// its interval is resolved by the time ours runs.
func Configured(store *storage.Store, srcs *source.Sources, p *poller.Poller) *Aggregator {
	a := &Aggregator{}

	lflag.Do(func() {
		a.store = store
		if srcs.Cloud != nil {
			a.history = srcs.Cloud
		}
		a.pollInterval = p.Interval()
	})

	return a
}

// New creates an aggregator without flags, for tests.
func New(store *storage.Store, history source.HistoryProvider, pollInterval time.Duration) *Aggregator {
	return &Aggregator{store: store, history: history, pollInterval: pollInterval}
}

// rowHours infers how many hours each stored row represents. Rows written by
// the poll loop sit pollInterval apart; rows written by ReplaceDay are hourly
// averages an hour apart. The mean gap over the first few pairs decides.
func (a *Aggregator) rowHours(rows []types.Reading) float64 {
	pollHours := a.pollInterval.Hours()
	if len(rows) < 2 {
		return pollHours
	}
	var sum time.Duration
	var n int
	for i := 1; i < len(rows) && n < inferSamplePairs; i++ {
		sum += rows[i].Timestamp.Sub(rows[i-1].Timestamp)
		n++
	}
	if sum/time.Duration(n) > hourlyRowGap {
		return 1
	}
	return pollHours
}

// DailyTotal computes the six kWh sums for one calendar day. When today has
// no local rows yet the cloud's own "today" aggregate stands in; any other
// empty day yields a zero total with Count 0, not an error.
func (a *Aggregator) DailyTotal(ctx context.Context, date time.Time) (types.DailyTotal, error) {
	day := truncateDay(date)
	rows, err := a.store.Log.Range(ctx, day, day, 0)
	if err != nil {
		return types.DailyTotal{}, err
	}

	if len(rows) == 0 && day.Equal(truncateDay(time.Now())) && a.history != nil {
		total, err := a.history.DailyTotals(ctx, day)
		if err == nil {
			return total, nil
		}
		log.Ctx(ctx).DebugContext(ctx, "cloud daily totals unavailable", slog.Any("error", err))
	}

	total := types.DailyTotal{Date: day}
	hours := a.rowHours(rows)
	for _, r := range rows {
		total.Add(r, hours)
		total.Count++
	}
	return total, nil
}

// DailyRange computes per-day totals for the inclusive [start, end] date
// range, in date order. Ranges longer than MaxRangeDays are rejected before
// touching any data.
func (a *Aggregator) DailyRange(ctx context.Context, start, end time.Time) ([]types.DailyTotal, error) {
	startDay := truncateDay(start)
	endDay := truncateDay(end)
	if endDay.Before(startDay) {
		return nil, fmt.Errorf("end %s before start %s", endDay.Format("2006-01-02"), startDay.Format("2006-01-02"))
	}
	days := int(endDay.Sub(startDay).Hours()/24) + 1
	if days > MaxRangeDays {
		return nil, ErrRangeTooLarge
	}

	out := make([]types.DailyTotal, 0, days)
	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		total, err := a.DailyTotal(ctx, day)
		if err != nil {
			return nil, err
		}
		out = append(out, total)
	}
	return out, nil
}

// Hourly buckets one day's rows into 24 per-hour kWh sums. Hours with no
// rows stay zero with Count 0.
func (a *Aggregator) Hourly(ctx context.Context, date time.Time) ([]types.HourlyTotal, error) {
	day := truncateDay(date)
	rows, err := a.store.Log.Range(ctx, day, day, 0)
	if err != nil {
		return nil, err
	}

	out := make([]types.HourlyTotal, 24)
	for i := range out {
		out[i].Hour = i
	}
	hours := a.rowHours(rows)
	for _, r := range rows {
		b := &out[r.Timestamp.Hour()]
		b.SolarKWH += r.SolarKW * hours
		b.LoadKWH += r.LoadKW * hours
		b.GridExportKWH += r.GridExportKW * hours
		b.GridImportKWH += r.GridImportKW * hours
		b.BatteryChargeKWH += r.BatteryChargeKW * hours
		b.BatteryDischargeKWH += r.BatteryDischargeKW * hours
		b.Count++
	}
	return out, nil
}

// distinctHours counts the hours of the day covered by at least one row.
func distinctHours(rows []types.Reading) int {
	var seen [24]bool
	var n int
	for _, r := range rows {
		h := r.Timestamp.Hour()
		if !seen[h] {
			seen[h] = true
			n++
		}
	}
	return n
}

// ReconcileHistoricalDay returns the totals for a past day, preferring stored
// rows and fetching the cloud day chart only when nothing is stored. A fetch
// persists the day via ReplaceDay, so asking again serves from the cache.
func (a *Aggregator) ReconcileHistoricalDay(ctx context.Context, date time.Time) (DayResult, error) {
	day := truncateDay(date)
	if a.store.Log.HasData(ctx, day) {
		rows, err := a.store.Log.Range(ctx, day, day, 0)
		if err != nil {
			return DayResult{}, err
		}
		total := types.DailyTotal{Date: day}
		hours := a.rowHours(rows)
		for _, r := range rows {
			total.Add(r, hours)
			total.Count++
		}
		dh := distinctHours(rows)
		return DayResult{
			Totals:        total,
			Source:        "cache",
			DistinctHours: dh,
			Complete:      dh >= CompleteDayHours,
		}, nil
	}
	return a.fetchDay(ctx, day)
}

// ForceRefresh refetches a day from the cloud regardless of what is stored,
// replacing the stored rows.
func (a *Aggregator) ForceRefresh(ctx context.Context, date time.Time) (DayResult, error) {
	return a.fetchDay(ctx, truncateDay(date))
}

func (a *Aggregator) fetchDay(ctx context.Context, day time.Time) (DayResult, error) {
	if a.history == nil {
		return DayResult{}, fmt.Errorf("no cloud source configured: %w", source.ErrUnavailable)
	}
	chart, err := a.history.DayChart(ctx, day)
	if err != nil {
		return DayResult{}, fmt.Errorf("fetching day chart: %w", err)
	}
	if err := a.store.Log.ReplaceDay(ctx, day, chart); err != nil {
		return DayResult{}, fmt.Errorf("persisting day: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "reconciled day from cloud",
		slog.String("date", day.Format("2006-01-02")))

	rows := chart.HourlyReadings(day.Location())
	dh := distinctHours(rows)
	return DayResult{
		Totals:        chart.DailyTotal(),
		Source:        "api",
		DistinctHours: dh,
		Complete:      dh >= CompleteDayHours,
	}, nil
}

// CloudPeriodTotals returns the cloud's own day and lifetime kWh aggregates.
func (a *Aggregator) CloudPeriodTotals(ctx context.Context, date time.Time) (types.PeriodTotals, error) {
	if a.history == nil {
		return types.PeriodTotals{}, fmt.Errorf("no cloud source configured: %w", source.ErrUnavailable)
	}
	return a.history.PeriodTotals(ctx, date)
}

// CloudDailyTotals returns the cloud's own per-day kWh aggregates without
// touching the local log.
func (a *Aggregator) CloudDailyTotals(ctx context.Context, date time.Time) (types.DailyTotal, error) {
	if a.history == nil {
		return types.DailyTotal{}, fmt.Errorf("no cloud source configured: %w", source.ErrUnavailable)
	}
	return a.history.DailyTotals(ctx, date)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
