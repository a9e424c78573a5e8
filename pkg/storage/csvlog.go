package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gridsight/gridsight/pkg/log"
	"github.com/gridsight/gridsight/pkg/types"
)

// csvHeader is the fixed first row of every partition file. The Connected
// flag is deliberately not persisted; a row's presence implies the reading
// was taken.
var csvHeader = []string{
	"Timestamp", "Solar", "Load", "GridExport", "GridImport",
	"BatteryCharge", "BatteryDischarge", "BatteryNet", "SocInv", "SocBms",
}

// CSVLog is the append-only durable store of readings, partitioned into one
// CSV file per calendar month. Appends flow through a bounded queue with a
// single consumer goroutine so the poll loop never blocks on disk; ReplaceDay
// rewrites a whole partition atomically. Operations on different months never
// contend; operations on the same month are serialized by a per-month mutex.
type CSVLog struct {
	dir      string
	fallback *Memory

	queue chan types.Reading
	done  chan struct{}

	mu     sync.Mutex
	months map[string]*sync.Mutex
	closed bool
}

// NewCSVLog creates a log writing partitions under dir. The fallback store is
// consulted by Range when no partition rows match.
func NewCSVLog(dir string, queueSize int, fallback *Memory) *CSVLog {
	return &CSVLog{
		dir:      dir,
		fallback: fallback,
		queue:    make(chan types.Reading, queueSize),
		done:     make(chan struct{}),
		months:   make(map[string]*sync.Mutex),
	}
}

// Init creates the data directory and starts the write consumer. Must be
// called before Append.
func (l *CSVLog) Init() error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", l.dir, err)
	}
	go l.consume()
	return nil
}

// Close stops accepting appends and waits for the queue to drain.
func (l *CSVLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	close(l.queue)
	<-l.done
	return nil
}

/// Append enqueues one reading for persistence. It never blocks: when the
// queue is full the row is dropped and logged, trading one durable row for an
// unstalled poll loop.
func (l *CSVLog) Append(r types.Reading) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	select {
	case l.queue <- r:
		l.mu.Unlock()
	default:
		l.mu.Unlock()
		log.Ctx(context.Background()).Warn("persist queue full, dropping row",
			slog.Time("timestamp", r.Timestamp))
	}
}

func (l *CSVLog) consume() {
	defer close(l.done)
	ctx := context.Background()
	for r := range l.queue {
		if err := l.appendRow(r); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to persist row",
				slog.Time("timestamp", r.Timestamp), slog.Any("error", err))
		}
	}
}

// monthKey identifies the partition for a point in time.
func monthKey(t time.Time) string {
	return t.Format("2006-01")
}

func (l *CSVLog) partitionPath(key string) string {
	return filepath.Join(l.dir, "gridsight_log_"+key+".csv")
}

// monthLock returns the mutex serializing writes to one partition.
func (l *CSVLog) monthLock(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.months[key]
	if !ok {
		mu = &sync.Mutex{}
		l.months[key] = mu
	}
	return mu
}

func (l *CSVLog) appendRow(r types.Reading) error {
	key := monthKey(r.Timestamp)
	mu := l.monthLock(key)
	mu.Lock()
	defer mu.Unlock()

	path := l.partitionPath(key)
	info, err := os.Stat(path)
	newFile := err != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if newFile {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	if err := w.Write(formatRow(r)); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func formatRow(r types.Reading) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []string{
		r.Timestamp.Format(time.RFC3339Nano),
		f(r.SolarKW),
		f(r.LoadKW),
		f(r.GridExportKW),
		f(r.GridImportKW),
		f(r.BatteryChargeKW),
		f(r.BatteryDischargeKW),
		f(r.BatteryNetKW),
		strconv.Itoa(r.SOCInverter),
		strconv.Itoa(r.SOCBMS),
	}
}

// parseRow converts one CSV record back into a Reading. Persisted rows are
// always rows we wrote ourselves, but a partially written or hand-edited row
// is skipped by the caller rather than failing the whole scan.
func parseRow(record []string) (types.Reading, error) {
	if len(record) != len(csvHeader) {
		return types.Reading{}, fmt.Errorf("expected %d fields, got %d", len(csvHeader), len(record))
	}
	ts, err := time.Parse(time.RFC3339Nano, record[0])
	if err != nil {
		return types.Reading{}, err
	}
	vals := make([]float64, 7)
	for i := 0; i < 7; i++ {
		v, err := strconv.ParseFloat(record[i+1], 64)
		if err != nil {
			return types.Reading{}, err
		}
		vals[i] = v
	}
	socInv, err := strconv.Atoi(record[8])
	if err != nil {
		return types.Reading{}, err
	}
	socBMS, err := strconv.Atoi(record[9])
	if err != nil {
		return types.Reading{}, err
	}
	return types.Reading{
		Timestamp:          ts,
		SolarKW:            vals[0],
		LoadKW:             vals[1],
		GridExportKW:       vals[2],
		GridImportKW:       vals[3],
		BatteryChargeKW:    vals[4],
		BatteryDischargeKW: vals[5],
		BatteryNetKW:       vals[6],
		SOCInverter:        socInv,
		SOCBMS:             socBMS,
		Connected:          true,
	}, nil
}

// readPartition returns all parseable rows of one partition. A missing file
// is an empty partition; corrupt rows are skipped per-row.
func (l *CSVLog) readPartition(ctx context.Context, key string) ([]types.Reading, error) {
	f, err := os.Open(l.partitionPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var rows []types.Reading
	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed csv record",
				slog.String("partition", key), slog.Any("error", err))
			continue
		}
		if first {
			first = false
			if len(record) > 0 && record[0] == csvHeader[0] {
				continue
			}
		}
		r, err := parseRow(record)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping unparseable row",
				slog.String("partition", key), slog.Any("error", err))
			continue
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// monthKeys lists the partitions whose month intersects [start, end].
func monthKeys(start, end time.Time) []string {
	var keys []string
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, start.Location())
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, end.Location())
	for !cur.After(last) {
		keys = append(keys, monthKey(cur))
		cur = cur.AddDate(0, 1, 0)
	}
	return keys
}

// Range returns all rows whose calendar day falls in the inclusive
// [start, end] date range, sorted by timestamp and decimated to limit. When
// no partition rows match it falls back to the in-memory ring filtered to the
// same range, which covers windows before the first flush.
func (l *CSVLog) Range(ctx context.Context, start, end time.Time, limit int) ([]types.Reading, error) {
	startDay := truncateDay(start)
	endDay := truncateDay(end)

	var all []types.Reading
	for _, key := range monthKeys(startDay, endDay) {
		rows, err := l.readPartition(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", key, err)
		}
		for _, r := range rows {
			d := r.Date()
			if d.Before(startDay) || d.After(endDay) {
				continue
			}
			all = append(all, r)
		}
	}

	if len(all) == 0 && l.fallback != nil {
		all = l.fallback.RangeByDate(startDay, endDay)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return Decimate(all, limit), nil
}

// HasData reports whether at least one row exists for the given date. It is
// always false for today and future dates: a still-accumulating day is never
// considered cached.
func (l *CSVLog) HasData(ctx context.Context, date time.Time) bool {
	day := truncateDay(date)
	if !day.Before(truncateDay(time.Now())) {
		return false
	}
	rows, err := l.readPartition(ctx, monthKey(day))
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read partition",
			slog.String("partition", monthKey(day)), slog.Any("error", err))
		return false
	}
	for _, r := range rows {
		if r.Date().Equal(day) {
			return true
		}
	}
	return false
}

// ReplaceDay converts the day chart into hourly-averaged rows, removes any
// existing rows for that date from its partition, merges the new rows in and
// rewrites the partition in full, atomically.
func (l *CSVLog) ReplaceDay(ctx context.Context, date time.Time, chart types.DayChart) error {
	day := truncateDay(date)
	key := monthKey(day)
	mu := l.monthLock(key)
	mu.Lock()
	defer mu.Unlock()

	existing, err := l.readPartition(ctx, key)
	if err != nil {
		return fmt.Errorf("partition %s: %w", key, err)
	}

	merged := existing[:0]
	for _, r := range existing {
		if r.Date().Equal(day) {
			continue
		}
		merged = append(merged, r)
	}
	merged = append(merged, chart.HourlyReadings(day.Location())...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })

	return l.rewritePartition(key, merged)
}

// Archive describes one on-disk partition file.
type Archive struct {
	Name   string  `json:"name"`
	Month  string  `json:"month"`
	SizeMB float64 `json:"sizeMB"`
}

// Archives lists the partition files currently on disk, oldest month first.
func (l *CSVLog) Archives() ([]Archive, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, "gridsight_log_*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	archives := make([]Archive, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		name := filepath.Base(path)
		month := strings.TrimSuffix(strings.TrimPrefix(name, "gridsight_log_"), ".csv")
		archives = append(archives, Archive{
			Name:   name,
			Month:  month,
			SizeMB: float64(info.Size()) / (1024 * 1024),
		})
	}
	return archives, nil
}

// rewritePartition writes a whole partition to a temp file and renames it
// into place. Must be called with the month lock held.
func (l *CSVLog) rewritePartition(key string, rows []types.Reading) error {
	path := l.partitionPath(key)
	tmp, err := os.CreateTemp(l.dir, "gridsight_log_"+key+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(csvHeader); err != nil {
		tmp.Close()
		return err
	}
	for _, r := range rows {
		if err := w.Write(formatRow(r)); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
