package types

import (
	"math"
	"time"
)

const (
	// ChartPointsPerDay is the number of 5-minute samples in a full day chart.
	ChartPointsPerDay = 288
	// ChartPointsPerHour is the number of 5-minute samples per hour.
	ChartPointsPerHour = 12
	// ChartPointHours is the fraction of an hour covered by one chart sample.
	ChartPointHours = 5.0 / 60.0
)

// DayChart holds the seven parallel 5-minute series the cloud reports for a
// single day. Each series has up to ChartPointsPerDay entries; nil entries are
// gaps where the plant reported nothing and must be excluded from averages
// rather than treated as zero.
type DayChart struct {
	Date             time.Time  `json:"date"`
	Solar            []*float64 `json:"solar"`
	Load             []*float64 `json:"load"`
	GridExport       []*float64 `json:"gridExport"`
	GridImport       []*float64 `json:"gridImport"`
	BatteryCharge    []*float64 `json:"batteryCharge"`
	BatteryDischarge []*float64 `json:"batteryDischarge"`
	SOC              []*float64 `json:"soc"`
}

// hourMean averages the present samples of one hour of a series. The second
// return is false when the hour has no present samples at all.
func hourMean(series []*float64, hour int) (float64, bool) {
	var sum float64
	var n int
	for i := hour * ChartPointsPerHour; i < (hour+1)*ChartPointsPerHour && i < len(series); i++ {
		if series[i] == nil {
			continue
		}
		sum += *series[i]
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// seriesKWH sums the present samples of a series into whole-day kWh.
func seriesKWH(series []*float64) float64 {
	var sum float64
	for _, v := range series {
		if v == nil {
			continue
		}
		sum += *v
	}
	return sum * ChartPointHours
}

// HourlyReadings reduces the chart to at most 24 hourly-averaged readings,
// one per hour that has at least one present power sample. The reading for
// hour H is stamped at H:00 in loc.
func (c DayChart) HourlyReadings(loc *time.Location) []Reading {
	day := time.Date(c.Date.Year(), c.Date.Month(), c.Date.Day(), 0, 0, 0, 0, loc)
	var rows []Reading
	for hour := 0; hour < 24; hour++ {
		solar, okSolar := hourMean(c.Solar, hour)
		load, okLoad := hourMean(c.Load, hour)
		export, okExport := hourMean(c.GridExport, hour)
		imp, okImport := hourMean(c.GridImport, hour)
		charge, okCharge := hourMean(c.BatteryCharge, hour)
		discharge, okDischarge := hourMean(c.BatteryDischarge, hour)
		if !okSolar && !okLoad && !okExport && !okImport && !okCharge && !okDischarge {
			continue
		}
		// an hour that saw flow in both directions averages to non-zero on
		// both series; collapse each pair to its net so the row keeps the
		// Reading exclusivity invariant
		export, imp = SplitSigned(export - imp)
		batteryNet := charge - discharge
		charge, discharge = SplitSigned(batteryNet)
		soc, _ := hourMean(c.SOC, hour)
		rows = append(rows, Reading{
			Timestamp:          day.Add(time.Duration(hour) * time.Hour),
			SolarKW:            solar,
			LoadKW:             load,
			GridExportKW:       export,
			GridImportKW:       imp,
			BatteryChargeKW:    charge,
			BatteryDischargeKW: discharge,
			BatteryNetKW:       batteryNet,
			SOCInverter:        int(math.Round(soc)),
			SOCBMS:             int(math.Round(soc)),
		})
	}
	return rows
}

// DailyTotal reduces the chart directly to whole-day kWh sums. Count is the
// number of present solar samples.
func (c DayChart) DailyTotal() DailyTotal {
	var count int
	for _, v := range c.Solar {
		if v != nil {
			count++
		}
	}
	return DailyTotal{
		Date:                c.Date,
		SolarKWH:            seriesKWH(c.Solar),
		LoadKWH:             seriesKWH(c.Load),
		GridExportKWH:       seriesKWH(c.GridExport),
		GridImportKWH:       seriesKWH(c.GridImport),
		BatteryChargeKWH:    seriesKWH(c.BatteryCharge),
		BatteryDischargeKWH: seriesKWH(c.BatteryDischarge),
		Count:               count,
	}
}
