package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// growattServer fakes the vendor dashboard: login sets a session cookie and
// each data endpoint replies with a canned body.
type growattServer struct {
	*httptest.Server
	logins    int
	responses map[string]string
}

func newGrowattServer(t *testing.T) *growattServer {
	t.Helper()
	gs := &growattServer{responses: map[string]string{}}
	gs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/" + growattLoginPath:
			gs.logins++
			if r.PostFormValue("account") != "user" || r.PostFormValue("password") != "hunter2" {
				fmt.Fprint(w, `{"result":-2}`)
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc123"})
			fmt.Fprint(w, `{"result":1}`)
		default:
			body, ok := gs.responses[r.URL.Path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			fmt.Fprint(w, body)
		}
	}))
	t.Cleanup(gs.Close)
	return gs
}

func newTestGrowatt(gs *growattServer) *Growatt {
	return newGrowatt(gs.URL, "user", "hunter2", "plant1", "SN123", 30*time.Minute, true)
}

func TestGrowattLoginFailure(t *testing.T) {
	gs := newGrowattServer(t)
	g := newGrowatt(gs.URL, "user", "wrong", "plant1", "SN123", 30*time.Minute, true)

	_, err := g.Sample(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, gs.logins)
}

func TestGrowattSessionReuse(t *testing.T) {
	gs := newGrowattServer(t)
	gs.responses["/"+growattStatusPath] = `{"result":1,"obj":{"ppv":1.2,"loadPower":0.8}}`
	g := newTestGrowatt(gs)

	ctx := context.Background()
	_, err := g.Sample(ctx)
	require.NoError(t, err)
	_, err = g.Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, gs.logins)

	// an expired window forces a fresh login
	g.lastAuth = time.Now().Add(-time.Hour)
	_, err = g.Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, gs.logins)
}

func TestGrowattSampleStatus(t *testing.T) {
	gs := newGrowattServer(t)
	// numbers arrive as strings on some firmware, and grid flow comes as an
	// export/import pair
	gs.responses["/"+growattStatusPath] = `{"result":1,"obj":{
		"ppv":"3.2","loadPower":"1.1",
		"pactogrid":2.0,"pactouser":0,
		"chargePower":0,"disChargePower":0.5,
		"capacity":"84"
	}}`
	g := newTestGrowatt(gs)

	r, err := g.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3.2, r.SolarKW)
	assert.Equal(t, 1.1, r.LoadKW)
	assert.Equal(t, 2.0, r.GridExportKW)
	assert.Zero(t, r.GridImportKW)
	assert.Zero(t, r.BatteryChargeKW)
	assert.Equal(t, 0.5, r.BatteryDischargeKW)
	assert.Equal(t, -0.5, r.BatteryNetKW)
	assert.Equal(t, 84, r.SOCBMS)
	// the dashboard reports one state of charge for both
	assert.Equal(t, 84, r.SOCInverter)
	assert.True(t, r.Connected)
}

func TestGrowattSampleSignedGridAndBattery(t *testing.T) {
	gs := newGrowattServer(t)
	gs.responses["/"+growattStatusPath] = `{"result":1,"back":{
		"pPv":2.0,"puse":3.0,
		"pgrid":-1.5,
		"batPower":0.5,
		"soc":60
	}}`
	g := newTestGrowatt(gs)

	r, err := g.Sample(context.Background())
	require.NoError(t, err)
	assert.Zero(t, r.GridExportKW)
	assert.Equal(t, 1.5, r.GridImportKW)
	assert.Equal(t, 0.5, r.BatteryChargeKW)
	assert.Zero(t, r.BatteryDischargeKW)
	assert.Equal(t, 60, r.SOCBMS)
}

func TestGrowattSampleGridBothReportedCollapses(t *testing.T) {
	gs := newGrowattServer(t)
	// both grid directions non-zero at once; the net flow wins and the
	// smaller direction is zeroed
	gs.responses["/"+growattStatusPath] = `{"result":1,"obj":{
		"ppv":1.0,"loadPower":1.0,
		"pactogrid":0.5,"pactouser":0.3
	}}`
	g := newTestGrowatt(gs)

	r, err := g.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.2, r.GridExportKW, 1e-9)
	assert.Zero(t, r.GridImportKW)
	assert.False(t, r.GridExportKW > 0 && r.GridImportKW > 0)
}

func TestGrowattSampleUnavailable(t *testing.T) {
	gs := newGrowattServer(t)
	gs.responses["/"+growattStatusPath] = `{"result":0}`
	g := newTestGrowatt(gs)

	_, err := g.Sample(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGrowattDailyTotals(t *testing.T) {
	gs := newGrowattServer(t)
	gs.responses["/"+growattTotalsPath] = `{"result":1,"obj":{
		"epvToday":"12.4","useEnergyToday":9.1,
		"eToGridToday":4.0,"eToUserToday":1.2,
		"eChargeToday":3.3,"eDischargeToday":2.8,
		"epvTotal":"8211.5"
	}}`
	g := newTestGrowatt(gs)

	date := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	totals, err := g.DailyTotals(context.Background(), date)
	require.NoError(t, err)
	assert.Equal(t, date, totals.Date)
	assert.Equal(t, 12.4, totals.SolarKWH)
	assert.Equal(t, 9.1, totals.LoadKWH)
	assert.Equal(t, 4.0, totals.GridExportKWH)
	assert.Equal(t, 1.2, totals.GridImportKWH)
	assert.Equal(t, 3.3, totals.BatteryChargeKWH)
	assert.Equal(t, 2.8, totals.BatteryDischargeKWH)

	period, err := g.PeriodTotals(context.Background(), date)
	require.NoError(t, err)
	assert.Equal(t, 12.4, period.TodayKWH)
	assert.Equal(t, 8211.5, period.LifetimeKWH)
}

func TestGrowattDayChart(t *testing.T) {
	gs := newGrowattServer(t)
	gs.responses["/"+growattDayChartPath] = `{"result":1,"obj":{"charts":{
		"ppv":[1.0,null,"2.0"],
		"pLocalLoad":[0.5,0.5,null],
		"soc":[50,51,52]
	}}}`
	g := newTestGrowatt(gs)

	date := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	chart, err := g.DayChart(context.Background(), date)
	require.NoError(t, err)
	assert.Equal(t, date, chart.Date)
	require.Len(t, chart.Solar, 3)
	assert.Equal(t, 1.0, *chart.Solar[0])
	assert.Nil(t, chart.Solar[1])
	assert.Equal(t, 2.0, *chart.Solar[2])
	require.Len(t, chart.Load, 3)
	assert.Nil(t, chart.Load[2])
	require.Len(t, chart.SOC, 3)
	assert.Equal(t, 52.0, *chart.SOC[2])
	assert.Nil(t, chart.GridExport)
}

func TestGrowattDayChartEmpty(t *testing.T) {
	gs := newGrowattServer(t)
	gs.responses["/"+growattDayChartPath] = `{"result":1,"obj":{}}`
	g := newTestGrowatt(gs)

	_, err := g.DayChart(context.Background(), time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGrowattSendsPlantAndDevice(t *testing.T) {
	gs := newGrowattServer(t)
	var gotPlant, gotSN string
	gs.responses["/"+growattStatusPath] = `{"result":1,"obj":{"ppv":1}}`
	orig := gs.Server.Config.Handler
	gs.Server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/"+growattStatusPath {
			_ = r.ParseForm()
			gotPlant = r.PostFormValue("plantId")
			gotSN = r.PostFormValue("storageSn")
		}
		orig.ServeHTTP(w, r)
	})
	g := newTestGrowatt(gs)

	_, err := g.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "plant1", gotPlant)
	assert.Equal(t, "SN123", gotSN)
}
