package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gridsight/gridsight/pkg/common"
	"github.com/gridsight/gridsight/pkg/log"
	"github.com/gridsight/gridsight/pkg/types"
)

const (
	growattLoginPath    = "login"
	growattStatusPath   = "panel/storage/getStorageStatusData"
	growattDayChartPath = "panel/storage/getStorageEnergyDayChart"
	growattTotalsPath   = "panel/storage/getStorageTotalData"
)

// Growatt scrapes the vendor web dashboard the way a browser session would:
// a form-encoded login that sets session cookies, then form-encoded POSTs for
// each data endpoint. The JSON it returns is loosely typed, so every field
// goes through the probe helpers with an ordered list of candidate keys.
type Growatt struct {
	client   *http.Client
	baseURL  string
	plantID  string
	deviceSN string

	// aliasInverterSOC mirrors the vendor dashboard, which reports the BMS
	// state of charge as the inverter value too. See DESIGN.md.
	aliasInverterSOC bool
	sessionWindow    time.Duration

	mu       sync.Mutex
	username string
	password string
	authUser string
	lastAuth time.Time
}

func newGrowatt(baseURL, username, password, plantID, deviceSN string, sessionWindow time.Duration, aliasInverterSOC bool) *Growatt {
	client := common.HTTPClient(time.Minute)
	jar, err := cookiejar.New(nil)
	if err != nil {
		// cookiejar.New never fails with a nil options struct
		panic(err)
	}
	client.Jar = jar
	return &Growatt{
		client:           client,
		baseURL:          baseURL,
		plantID:          plantID,
		deviceSN:         deviceSN,
		aliasInverterSOC: aliasInverterSOC,
		sessionWindow:    sessionWindow,
		username:         username,
		password:         password,
	}
}

// sessionValid reports whether the current session can be reused: cookies
// present, authenticated recently enough and for the same username. Must be
// called with g.mu held.
func (g *Growatt) sessionValid() bool {
	if g.authUser == "" || g.authUser != g.username {
		return false
	}
	if time.Since(g.lastAuth) > g.sessionWindow {
		return false
	}
	u, err := url.Parse(g.baseURL)
	if err != nil {
		return false
	}
	return g.client.Jar != nil && len(g.client.Jar.Cookies(u)) > 0
}

// ensureSession logs in unless the existing session is still valid. Must be
// called with g.mu held.
func (g *Growatt) ensureSession(ctx context.Context) error {
	if g.sessionValid() {
		return nil
	}
	return g.login(ctx)
}

// login submits the credentials and inspects the body for the success marker.
// Must be called with g.mu held.
func (g *Growatt) login(ctx context.Context) error {
	if g.username == "" || g.password == "" {
		return fmt.Errorf("missing cloud credentials")
	}

	form := url.Values{}
	form.Set("account", g.username)
	form.Set("password", g.password)

	doc, err := g.postForm(ctx, growattLoginPath, form)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	if !resultOK(doc) {
		log.Ctx(ctx).WarnContext(ctx, "cloud login rejected", slog.String("username", g.username))
		return fmt.Errorf("login failed for %s", g.username)
	}

	g.authUser = g.username
	g.lastAuth = time.Now()
	log.Ctx(ctx).DebugContext(ctx, "cloud login success", slog.String("username", g.username))
	return nil
}

// postForm issues a form-encoded POST and decodes the JSON body into a loose
// document.
func (g *Growatt) postForm(ctx context.Context, endpoint string, form url.Values) (document, error) {
	u, err := url.Parse(g.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var doc document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return doc, nil
}

// resultOK checks the envelope's success marker: either result == 1 or a
// true success flag, depending on the endpoint.
func resultOK(doc document) bool {
	if v, ok := probeNumber(doc, "result"); ok {
		return v == 1
	}
	if raw, ok := doc["success"]; ok {
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b
		}
	}
	return false
}

// fetch posts to a data endpoint inside a valid session and returns the
// payload object. A missing success marker or absent payload means the plant
// has no data, not a failure, and maps to ErrUnavailable.
func (g *Growatt) fetch(ctx context.Context, endpoint string, form url.Values) (document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureSession(ctx); err != nil {
		return nil, err
	}

	if g.plantID != "" {
		form.Set("plantId", g.plantID)
	}
	if g.deviceSN != "" {
		form.Set("storageSn", g.deviceSN)
	}

	doc, err := g.postForm(ctx, endpoint, form)
	if err != nil {
		return nil, err
	}
	if !resultOK(doc) {
		log.Ctx(ctx).DebugContext(ctx, "cloud endpoint returned no result", slog.String("endpoint", endpoint))
		return nil, fmt.Errorf("%s: %w", endpoint, ErrUnavailable)
	}
	payload, ok := probeObject(doc, "obj", "back", "data")
	if !ok {
		return nil, fmt.Errorf("%s: missing payload: %w", endpoint, ErrUnavailable)
	}
	return payload, nil
}

// Sample fetches the live plant status and normalizes it into a Reading.
func (g *Growatt) Sample(ctx context.Context) (types.Reading, error) {
	payload, err := g.fetch(ctx, growattStatusPath, url.Values{})
	if err != nil {
		return types.Reading{}, err
	}

	now := time.Now()

	solarKW, ok := probeNumber(payload, "ppv", "panelPower", "pPv")
	if !ok {
		return types.Reading{}, fmt.Errorf("status missing solar power: %w", ErrUnavailable)
	}
	loadKW, _ := probeNumber(payload, "loadPower", "pLocalLoad", "puse")

	// grid is either reported as an export/import pair or as one signed value
	exportKW, okExport := probeNumber(payload, "pactogrid", "gridExportPower", "pAcToGrid")
	importKW, okImport := probeNumber(payload, "pactouser", "gridImportPower", "pAcToUser")
	if !okExport && !okImport {
		if gridKW, ok := probeNumber(payload, "pgrid", "gridPower"); ok {
			exportKW, importKW = types.SplitSigned(gridKW)
		}
	}
	if exportKW < 0 {
		exportKW = 0
	}
	if importKW < 0 {
		importKW = 0
	}
	// some firmware reports both directions at once; collapse to the net flow
	// so export and import stay mutually exclusive
	exportKW, importKW = types.SplitSigned(exportKW - importKW)

	chargeKW, okCharge := probeNumber(payload, "chargePower", "pCharge")
	dischargeKW, okDischarge := probeNumber(payload, "disChargePower", "pDischarge")
	if !okCharge && !okDischarge {
		if batKW, ok := probeNumber(payload, "batPower", "pBat"); ok {
			chargeKW, dischargeKW = types.SplitSigned(batKW)
		}
	}
	batteryNetKW := chargeKW - dischargeKW
	chargeKW, dischargeKW = types.SplitSigned(batteryNetKW)

	socBMS, _ := probeNumber(payload, "capacity", "soc", "bmsSoc")
	socInverter := socBMS
	if !g.aliasInverterSOC {
		socInverter, _ = probeNumber(payload, "invSoc", "inverterSoc")
	}

	return types.Reading{
		Timestamp:          now,
		SolarKW:            solarKW,
		LoadKW:             loadKW,
		GridExportKW:       exportKW,
		GridImportKW:       importKW,
		BatteryChargeKW:    chargeKW,
		BatteryDischargeKW: dischargeKW,
		BatteryNetKW:       batteryNetKW,
		SOCInverter:        int(socInverter),
		SOCBMS:             int(socBMS),
		Connected:          true,
	}, nil
}

// DailyTotals returns the vendor-reported kWh sums for the given day.
func (g *Growatt) DailyTotals(ctx context.Context, date time.Time) (types.DailyTotal, error) {
	form := url.Values{}
	form.Set("date", date.Format("2006-01-02"))
	payload, err := g.fetch(ctx, growattTotalsPath, form)
	if err != nil {
		return types.DailyTotal{}, err
	}

	solar, ok := probeNumber(payload, "epvToday", "eSolarToday")
	if !ok {
		return types.DailyTotal{}, fmt.Errorf("totals missing solar energy: %w", ErrUnavailable)
	}
	load, _ := probeNumber(payload, "useEnergyToday", "eLoadToday", "elocalLoadToday")
	export, _ := probeNumber(payload, "eToGridToday", "etogridToday")
	imp, _ := probeNumber(payload, "eToUserToday", "etouserToday")
	charge, _ := probeNumber(payload, "eChargeToday", "echargeToday")
	discharge, _ := probeNumber(payload, "eDischargeToday", "edischargeToday")

	return types.DailyTotal{
		Date:                date,
		SolarKWH:            solar,
		LoadKWH:             load,
		GridExportKWH:       export,
		GridImportKWH:       imp,
		BatteryChargeKWH:    charge,
		BatteryDischargeKWH: discharge,
	}, nil
}

// PeriodTotals returns the vendor-reported solar generation for the day and
// for the lifetime of the plant.
func (g *Growatt) PeriodTotals(ctx context.Context, date time.Time) (types.PeriodTotals, error) {
	form := url.Values{}
	if !date.IsZero() {
		form.Set("date", date.Format("2006-01-02"))
	}
	payload, err := g.fetch(ctx, growattTotalsPath, form)
	if err != nil {
		return types.PeriodTotals{}, err
	}

	today, okToday := probeNumber(payload, "epvToday", "eSolarToday")
	lifetime, okLifetime := probeNumber(payload, "epvTotal", "eSolarTotal", "eTotal")
	if !okToday && !okLifetime {
		return types.PeriodTotals{}, fmt.Errorf("totals missing period energy: %w", ErrUnavailable)
	}

	return types.PeriodTotals{
		TodayKWH:    today,
		LifetimeKWH: lifetime,
	}, nil
}

// DayChart returns the seven parallel 5-minute series for the given day,
// possibly with gaps. Defaults to today when date is zero.
func (g *Growatt) DayChart(ctx context.Context, date time.Time) (types.DayChart, error) {
	if date.IsZero() {
		date = time.Now()
	}
	form := url.Values{}
	form.Set("date", date.Format("2006-01-02"))
	payload, err := g.fetch(ctx, growattDayChartPath, form)
	if err != nil {
		return types.DayChart{}, err
	}

	// some firmware nests the series under a charts object
	if nested, ok := probeObject(payload, "charts"); ok {
		payload = nested
	}

	chart := types.DayChart{Date: date}
	var any bool
	if s, ok := probeSeries(payload, "ppv", "solar"); ok {
		chart.Solar = s
		any = true
	}
	if s, ok := probeSeries(payload, "pLocalLoad", "load", "puse"); ok {
		chart.Load = s
		any = true
	}
	if s, ok := probeSeries(payload, "pacToGrid", "gridExport", "etogrid"); ok {
		chart.GridExport = s
		any = true
	}
	if s, ok := probeSeries(payload, "pacToUser", "gridImport", "etouser"); ok {
		chart.GridImport = s
		any = true
	}
	if s, ok := probeSeries(payload, "pCharge", "charge"); ok {
		chart.BatteryCharge = s
		any = true
	}
	if s, ok := probeSeries(payload, "pDischarge", "discharge"); ok {
		chart.BatteryDischarge = s
		any = true
	}
	if s, ok := probeSeries(payload, "soc", "capacity"); ok {
		chart.SOC = s
	}
	if !any {
		return types.DayChart{}, fmt.Errorf("day chart empty for %s: %w", date.Format("2006-01-02"), ErrUnavailable)
	}
	return chart, nil
}
