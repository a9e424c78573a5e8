package types

import "time"

// Reading represents one normalized telemetry snapshot taken from the
// inverter, either over Modbus or via the vendor cloud.
//
// Grid and battery flows are split into two non-negative components: at most
// one of GridExportKW/GridImportKW is non-zero and at most one of
// BatteryChargeKW/BatteryDischargeKW is non-zero. A Reading is never mutated
// after it is built.
type Reading struct {
	Timestamp          time.Time `json:"timestamp"`
	SolarKW            float64   `json:"solarKW"`
	LoadKW             float64   `json:"loadKW"`
	GridExportKW       float64   `json:"gridExportKW"`
	GridImportKW       float64   `json:"gridImportKW"`
	BatteryChargeKW    float64   `json:"batteryChargeKW"`
	BatteryDischargeKW float64   `json:"batteryDischargeKW"`
	// BatteryNetKW is BatteryChargeKW - BatteryDischargeKW.
	BatteryNetKW float64 `json:"batteryNetKW"`
	SOCInverter  int     `json:"socInverter"`
	SOCBMS       int     `json:"socBMS"`
	// Connected is false when the poll cycle failed and the zero power values
	// only indicate liveness, not an actual measurement. It is not persisted.
	Connected bool `json:"connected"`
}

// Date returns the calendar day of the reading in its own location.
func (r Reading) Date() time.Time {
	return time.Date(r.Timestamp.Year(), r.Timestamp.Month(), r.Timestamp.Day(), 0, 0, 0, 0, r.Timestamp.Location())
}

// SplitSigned splits a signed power flow into its two non-negative
// components (positive part, negated negative part).
func SplitSigned(kw float64) (positive, negative float64) {
	if kw >= 0 {
		return kw, 0
	}
	return 0, -kw
}

// DailyTotal represents the six kWh sums for one calendar day. It is always
// derived from stored readings (or the cloud "today" aggregate), never stored
// on its own.
type DailyTotal struct {
	Date                time.Time `json:"date"`
	SolarKWH            float64   `json:"solarKWH"`
	LoadKWH             float64   `json:"loadKWH"`
	GridExportKWH       float64   `json:"gridExportKWH"`
	GridImportKWH       float64   `json:"gridImportKWH"`
	BatteryChargeKWH    float64   `json:"batteryChargeKWH"`
	BatteryDischargeKWH float64   `json:"batteryDischargeKWH"`
	Count               int       `json:"count"`
}

// Add accumulates kw values held for the given number of hours.
func (d *DailyTotal) Add(r Reading, hours float64) {
	d.SolarKWH += r.SolarKW * hours
	d.LoadKWH += r.LoadKW * hours
	d.GridExportKWH += r.GridExportKW * hours
	d.GridImportKWH += r.GridImportKW * hours
	d.BatteryChargeKWH += r.BatteryChargeKW * hours
	d.BatteryDischargeKWH += r.BatteryDischargeKW * hours
}

// HourlyTotal represents the kWh sums for one hour of a day.
type HourlyTotal struct {
	Hour                int     `json:"hour"`
	SolarKWH            float64 `json:"solarKWH"`
	LoadKWH             float64 `json:"loadKWH"`
	GridExportKWH       float64 `json:"gridExportKWH"`
	GridImportKWH       float64 `json:"gridImportKWH"`
	BatteryChargeKWH    float64 `json:"batteryChargeKWH"`
	BatteryDischargeKWH float64 `json:"batteryDischargeKWH"`
	Count               int     `json:"count"`
}

// PeriodTotals represents the cloud-reported kWh aggregates for a day and for
// the lifetime of the plant.
type PeriodTotals struct {
	TodayKWH    float64 `json:"todayKWH"`
	LifetimeKWH float64 `json:"lifetimeKWH"`
}
