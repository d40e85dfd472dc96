package marketdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// csvLayouts are tried in order for the timestamp column
var csvLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"}

// CSVProvider reads <Dir>/<SYMBOL>.csv files with a header row of
// timestamp,open,high,low,close,volume. Timestamps without a zone are read
// in Location.
type CSVProvider struct {
	Location *time.Location
	Dir      string
}

// NewCSVProvider creates a provider over dir
func NewCSVProvider(dir string, loc *time.Location) *CSVProvider {
	if loc == nil {
		loc = time.UTC
	}
	return &CSVProvider{Dir: dir, Location: loc}
}

// GetBars implements Provider
func (p *CSVProvider) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(p.Dir, strings.ToUpper(symbol)+".csv")
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w for %s: %s missing", ErrNoData, symbol, path)
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	bars, err := ParseCSV(f, symbol, p.Location)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return inRange(bars, start, end), nil
}

// ParseCSV decodes bars from r. Column order is taken from the header.
func ParseCSV(r io.Reader, symbol string, loc *time.Location) ([]Bar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols["close"]; !ok {
		return nil, errors.New(`missing "close" column`)
	}
	tsCol, ok := cols["timestamp"]
	if !ok {
		if tsCol, ok = cols["date"]; !ok {
			return nil, errors.New(`missing "timestamp" column`)
		}
	}

	var bars []Bar
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ts, err := parseTimestamp(rec[tsCol], loc)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		b := Bar{Time: ts, Symbol: symbol}
		if b.Close, err = floatCol(rec, cols, "close"); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		b.Open, _ = floatCol(rec, cols, "open")
		b.High, _ = floatCol(rec, cols, "high")
		b.Low, _ = floatCol(rec, cols, "low")
		if i, ok := cols["volume"]; ok && i < len(rec) && rec[i] != "" {
			b.Volume, _ = strconv.ParseInt(rec[i], 10, 64)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func floatCol(rec []string, cols map[string]int, name string) (float64, error) {
	i, ok := cols[name]
	if !ok || i >= len(rec) {
		return 0, fmt.Errorf("missing %s", name)
	}
	if rec[i] == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(rec[i], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, rec[i], err)
	}
	return v, nil
}

func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range csvLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
