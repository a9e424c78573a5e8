package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gridsight/gridsight/pkg/aggregate"
	"github.com/gridsight/gridsight/pkg/log"
	"github.com/gridsight/gridsight/pkg/source"
	"github.com/gridsight/gridsight/pkg/storage"
	"github.com/gridsight/gridsight/pkg/types"
)

const defaultHistoryLimit = 500

// parseDate reads a YYYY-MM-DD query parameter in local time.
func parseDate(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, errors.New("missing " + name)
	}
	return time.ParseInLocation("2006-01-02", v, time.Local)
}

// parseDateDefault is parseDate with a fallback for an absent parameter.
func parseDateDefault(r *http.Request, name string, def time.Time) (time.Time, error) {
	if r.URL.Query().Get(name) == "" {
		return def, nil
	}
	return parseDate(r, name)
}

func parseLimit(r *http.Request) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultHistoryLimit
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 1 {
		return defaultHistoryLimit
	}
	return limit
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cur := s.store.Memory.Current()
	writeJSON(w, struct {
		Connected  bool      `json:"connected"`
		LastUpdate time.Time `json:"lastUpdate"`
		AgeSeconds float64   `json:"ageSeconds"`
	}{
		Connected:  cur.Connected,
		LastUpdate: cur.Timestamp,
		AgeSeconds: time.Since(cur.Timestamp).Seconds(),
	})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.Memory.Current())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if v := r.URL.Query().Get("window"); v != "" {
		var err error
		window, err = time.ParseDuration(v)
		if err != nil {
			writeJSONError(w, "invalid window: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	readings := s.store.Memory.Recent(parseLimit(r), window)
	if readings == nil {
		readings = []types.Reading{}
	}
	writeJSON(w, readings)
}

func (s *Server) handleHistoryRange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, err := parseDate(r, "start")
	if err != nil {
		writeJSONError(w, "invalid start: "+err.Error(), http.StatusBadRequest)
		return
	}
	end, err := parseDate(r, "end")
	if err != nil {
		writeJSONError(w, "invalid end: "+err.Error(), http.StatusBadRequest)
		return
	}
	if end.Before(start) {
		writeJSONError(w, "end before start", http.StatusBadRequest)
		return
	}
	if int(end.Sub(start).Hours()/24)+1 > aggregate.MaxRangeDays {
		writeJSONError(w, "range too large", http.StatusBadRequest)
		return
	}

	readings, err := s.store.Log.Range(ctx, start, end, parseLimit(r))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to read history range", slog.Any("error", err))
		writeJSONError(w, "failed to read history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, readings)
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date, err := parseDateDefault(r, "date", time.Now())
	if err != nil {
		writeJSONError(w, "invalid date: "+err.Error(), http.StatusBadRequest)
		return
	}
	total, err := s.aggregator.DailyTotal(ctx, date)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to compute daily total", slog.Any("error", err))
		writeJSONError(w, "failed to compute daily total", http.StatusInternalServerError)
		return
	}
	writeJSON(w, total)
}

func (s *Server) handleDailyRange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, err := parseDate(r, "start")
	if err != nil {
		writeJSONError(w, "invalid start: "+err.Error(), http.StatusBadRequest)
		return
	}
	end, err := parseDate(r, "end")
	if err != nil {
		writeJSONError(w, "invalid end: "+err.Error(), http.StatusBadRequest)
		return
	}
	totals, err := s.aggregator.DailyRange(ctx, start, end)
	if err != nil {
		if errors.Is(err, aggregate.ErrRangeTooLarge) || end.Before(start) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to compute daily range", slog.Any("error", err))
		writeJSONError(w, "failed to compute daily range", http.StatusInternalServerError)
		return
	}
	writeJSON(w, totals)
}

func (s *Server) handleHourly(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date, err := parseDateDefault(r, "date", time.Now())
	if err != nil {
		writeJSONError(w, "invalid date: "+err.Error(), http.StatusBadRequest)
		return
	}
	totals, err := s.aggregator.Hourly(ctx, date)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to compute hourly totals", slog.Any("error", err))
		writeJSONError(w, "failed to compute hourly totals", http.StatusInternalServerError)
		return
	}
	writeJSON(w, totals)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date, err := parseDate(r, "date")
	if err != nil {
		writeJSONError(w, "invalid date: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.aggregator.ReconcileHistoricalDay(ctx, date)
	if err != nil {
		s.writeAggregateError(w, r, "failed to reconcile day", err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date, err := parseDate(r, "date")
	if err != nil {
		writeJSONError(w, "invalid date: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.aggregator.ForceRefresh(ctx, date)
	if err != nil {
		s.writeAggregateError(w, r, "failed to refresh day", err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handlePeriod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date, err := parseDateDefault(r, "date", time.Now())
	if err != nil {
		writeJSONError(w, "invalid date: "+err.Error(), http.StatusBadRequest)
		return
	}
	totals, err := s.aggregator.CloudPeriodTotals(ctx, date)
	if err != nil {
		s.writeAggregateError(w, r, "failed to get period totals", err)
		return
	}
	writeJSON(w, totals)
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date, err := parseDateDefault(r, "date", time.Now())
	if err != nil {
		writeJSONError(w, "invalid date: "+err.Error(), http.StatusBadRequest)
		return
	}
	day, err := s.earnings.Day(ctx, date)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to compute earnings", slog.Any("error", err))
		writeJSONError(w, "failed to compute earnings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, day)
}

func (s *Server) handleEarningsToday(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	day, err := s.earnings.Day(ctx, time.Now())
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to compute earnings", slog.Any("error", err))
		writeJSONError(w, "failed to compute earnings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, day)
}

func (s *Server) handleEarningsRange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, err := parseDate(r, "start")
	if err != nil {
		writeJSONError(w, "invalid start: "+err.Error(), http.StatusBadRequest)
		return
	}
	end, err := parseDateDefault(r, "end", time.Now())
	if err != nil {
		writeJSONError(w, "invalid end: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.earnings.Range(ctx, start, end)
	if err != nil {
		if errors.Is(err, aggregate.ErrRangeTooLarge) || end.Before(start) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to compute earnings range", slog.Any("error", err))
		writeJSONError(w, "failed to compute earnings range", http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleArchives(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	archives, err := s.store.Log.Archives()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list archives", slog.Any("error", err))
		writeJSONError(w, "failed to list archives", http.StatusInternalServerError)
		return
	}
	var totalMB float64
	for _, a := range archives {
		totalMB += a.SizeMB
	}
	writeJSON(w, struct {
		Archives    []storage.Archive `json:"archives"`
		TotalFiles  int               `json:"totalFiles"`
		TotalSizeMB float64           `json:"totalSizeMB"`
	}{
		Archives:    archives,
		TotalFiles:  len(archives),
		TotalSizeMB: totalMB,
	})
}

// writeAggregateError maps an aggregator failure to a response: missing
// upstream data is the cloud's fault, everything else is ours.
func (s *Server) writeAggregateError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	log.Ctx(ctx).ErrorContext(ctx, msg, slog.Any("error", err))
	if errors.Is(err, source.ErrUnavailable) {
		writeJSONError(w, msg+": upstream unavailable", http.StatusBadGateway)
		return
	}
	writeJSONError(w, msg, http.StatusInternalServerError)
}
