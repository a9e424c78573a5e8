// Package earnings prices a day's grid export under a virtual-power-plant
// tariff: a fixed day credit for staying off grid imports during the evening
// window, a premium rate for export inside that window, and time-of-use
// feed-in rates for the rest of the day.
package earnings

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/gridsight/gridsight/pkg/aggregate"
)

// Tariff holds the plan parameters. The zero hours of the evening window are
// inclusive-start, exclusive-end.
type Tariff struct {
	// DayCredit is the fixed reward for keeping every window hour's grid
	// import at or under ImportThresholdKWH.
	DayCredit          float64 `json:"dayCredit"`
	WindowStart        int     `json:"windowStart"`
	WindowEnd          int     `json:"windowEnd"`
	ImportThresholdKWH float64 `json:"importThresholdKWH"`

	// SuperExportRate applies to export inside the window, capped per day.
	SuperExportRate   float64 `json:"superExportRate"`
	SuperExportCapKWH float64 `json:"superExportCapKWH"`

	// Feed-in rates for export outside the window.
	PeakRate     float64 `json:"peakRate"`
	ShoulderRate float64 `json:"shoulderRate"`
	OffpeakRate  float64 `json:"offpeakRate"`
}

// DefaultTariff is the ZeroHero VPP plan.
func DefaultTariff() Tariff {
	return Tariff{
		DayCredit:          1.00,
		WindowStart:        18,
		WindowEnd:          20,
		ImportThresholdKWH: 0.03,
		SuperExportRate:    0.15,
		SuperExportCapKWH:  10.0,
		PeakRate:           0.03,
		ShoulderRate:       0.003,
		OffpeakRate:        0.00,
	}
}

// fitPeriod classifies an hour outside the window: peak covers the evening
// shoulders of the window (4pm-6pm, 8pm-9pm), offpeak the solar midday
// (10am-2pm), shoulder everything else.
func (t Tariff) fitPeriod(hour int) (string, float64) {
	switch {
	case hour == 16 || hour == 17 || hour == 20:
		return "peak", t.PeakRate
	case hour >= 10 && hour < 14:
		return "offpeak", t.OffpeakRate
	default:
		return "shoulder", t.ShoulderRate
	}
}

// HourCheck records one window hour's import against the day-credit
// threshold.
type HourCheck struct {
	Hour      int     `json:"hour"`
	ImportKWH float64 `json:"importKWH"`
	Threshold float64 `json:"threshold"`
	Passed    bool    `json:"passed"`
}

// DayCredit is the day-credit outcome. Status is "qualified",
// "not_qualified", "pending" while today's window has not finished, or
// "insufficient_data".
type DayCredit struct {
	Status      string      `json:"status"`
	Qualified   bool        `json:"qualified"`
	Credit      float64     `json:"credit"`
	HourlyCheck []HourCheck `json:"hourlyCheck,omitempty"`
}

// SuperExport is the premium-window export outcome.
type SuperExport struct {
	ExportKWH   float64 `json:"exportKWH"`
	CreditedKWH float64 `json:"creditedKWH"`
	Rate        float64 `json:"rate"`
	Earnings    float64 `json:"earnings"`
}

// RegularFIT is the outside-window feed-in outcome.
type RegularFIT struct {
	ExportKWH float64 `json:"exportKWH"`
	Earnings  float64 `json:"earnings"`
}

// DayEarnings is the priced breakdown of one day.
type DayEarnings struct {
	Date time.Time `json:"date"`
	// Partial is true for today: only completed hours are priced and the day
	// credit stays pending until the window has closed.
	Partial        bool        `json:"partial"`
	TotalExportKWH float64     `json:"totalExportKWH"`
	DayCredit      DayCredit   `json:"dayCredit"`
	SuperExport    SuperExport `json:"superExport"`
	RegularFIT     RegularFIT  `json:"regularFIT"`
	TotalEarnings  float64     `json:"totalEarnings"`
	DataPoints     int         `json:"dataPoints"`
}

// RangeEarnings sums per-day earnings over an inclusive date range.
type RangeEarnings struct {
	Start         time.Time     `json:"start"`
	End           time.Time     `json:"end"`
	Count         int           `json:"count"`
	TotalEarnings float64       `json:"totalEarnings"`
	Days          []DayEarnings `json:"days"`
}

// Calculator prices days from the aggregator's hourly buckets.
type Calculator struct {
	agg    *aggregate.Aggregator
	tariff Tariff

	// now overrides the clock, used by tests.
	now func() time.Time
}

// Configured sets up the calculator based on flags.
func Configured(agg *aggregate.Aggregator) *Calculator {
	tariff := DefaultTariff()
	lflag.JSON(&tariff, "earnings-tariff", tariff, "JSON VPP tariff parameters (rates, window hours, caps)")

	c := &Calculator{now: time.Now}

	lflag.Do(func() {
		c.agg = agg
		c.tariff = tariff
	})

	return c
}

// New creates a calculator without flags, for tests.
func New(agg *aggregate.Aggregator, tariff Tariff) *Calculator {
	return &Calculator{agg: agg, tariff: tariff, now: time.Now}
}

// Day prices one day. For today only hours that have fully elapsed count and
// the day credit reports "pending" until the window has closed.
func (c *Calculator) Day(ctx context.Context, date time.Time) (DayEarnings, error) {
	day := truncateDay(date)
	hourly, err := c.agg.Hourly(ctx, day)
	if err != nil {
		return DayEarnings{}, fmt.Errorf("hourly buckets: %w", err)
	}

	now := c.now()
	today := day.Equal(truncateDay(now))
	currentHour := 24
	if today {
		currentHour = now.Hour()
	}

	var dataPoints int
	for _, b := range hourly {
		dataPoints += b.Count
	}
	out := DayEarnings{Date: day, Partial: today, DataPoints: dataPoints}
	if dataPoints < 2 {
		out.DayCredit = DayCredit{Status: "insufficient_data"}
		out.SuperExport.Rate = c.tariff.SuperExportRate
		return out, nil
	}

	t := c.tariff

	// day credit: every elapsed window hour must stay under the import
	// threshold, and the verdict is pending until the window has closed
	credit := DayCredit{Qualified: true}
	for hour := t.WindowStart; hour < t.WindowEnd; hour++ {
		if hour >= currentHour {
			continue
		}
		imp := hourly[hour].GridImportKWH
		passed := imp <= t.ImportThresholdKWH
		credit.HourlyCheck = append(credit.HourlyCheck, HourCheck{
			Hour:      hour,
			ImportKWH: imp,
			Threshold: t.ImportThresholdKWH,
			Passed:    passed,
		})
		if !passed {
			credit.Qualified = false
		}
	}
	switch {
	case today && currentHour < t.WindowEnd:
		credit.Status = "pending"
		credit.Qualified = false
	case credit.Qualified:
		credit.Status = "qualified"
		credit.Credit = t.DayCredit
	default:
		credit.Status = "not_qualified"
	}
	out.DayCredit = credit

	// premium export inside the window, capped per day
	var superKWH float64
	for hour := t.WindowStart; hour < t.WindowEnd; hour++ {
		if hour >= currentHour {
			continue
		}
		superKWH += hourly[hour].GridExportKWH
	}
	credited := superKWH
	if credited > t.SuperExportCapKWH {
		credited = t.SuperExportCapKWH
	}
	out.SuperExport = SuperExport{
		ExportKWH:   superKWH,
		CreditedKWH: credited,
		Rate:        t.SuperExportRate,
		Earnings:    credited * t.SuperExportRate,
	}

	// time-of-use feed-in for everything outside the window
	var fit RegularFIT
	for hour, b := range hourly {
		if hour >= t.WindowStart && hour < t.WindowEnd {
			continue
		}
		if hour >= currentHour {
			continue
		}
		_, rate := t.fitPeriod(hour)
		fit.ExportKWH += b.GridExportKWH
		fit.Earnings += b.GridExportKWH * rate
	}
	out.RegularFIT = fit

	out.TotalExportKWH = superKWH + fit.ExportKWH
	out.TotalEarnings = credit.Credit + out.SuperExport.Earnings + fit.Earnings
	return out, nil
}

// Range prices each day of the inclusive [start, end] range in date order.
// The same bounds as the aggregator's range queries apply.
func (c *Calculator) Range(ctx context.Context, start, end time.Time) (RangeEarnings, error) {
	startDay := truncateDay(start)
	endDay := truncateDay(end)
	if endDay.Before(startDay) {
		return RangeEarnings{}, fmt.Errorf("end %s before start %s", endDay.Format("2006-01-02"), startDay.Format("2006-01-02"))
	}
	if int(endDay.Sub(startDay).Hours()/24)+1 > aggregate.MaxRangeDays {
		return RangeEarnings{}, aggregate.ErrRangeTooLarge
	}

	out := RangeEarnings{Start: startDay, End: endDay}
	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		d, err := c.Day(ctx, day)
		if err != nil {
			return RangeEarnings{}, err
		}
		out.Days = append(out.Days, d)
		out.TotalEarnings += d.TotalEarnings
	}
	out.Count = len(out.Days)
	return out, nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
