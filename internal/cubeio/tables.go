package cubeio

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"cubered/internal/errors"
	"cubered/internal/metric"
	"cubered/internal/register"
)

var (
	metricColumns = []string{"index", "metric", "value"}
	offsetColumns = []string{"index", "dy", "dx", "method", "valid", "spread", "windows", "discordant"}
	statsColumns  = []string{"frame", "window", "max", "sum", "mean", "median", "var", "nvar", "peaky", "peakx", "comy", "comx"}
)

func ftoa(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// WriteTable writes a header row and rows as CSV to path atomically.
func WriteTable(path string, columns []string, rows [][]string) error {
	return writeAtomic(path, func(w io.Writer) error {
		return EncodeTable(w, columns, rows)
	})
}

// EncodeTable writes CSV to w.
func EncodeTable(w io.Writer, columns []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

// ReadTable reads a CSV file, returning its header row and records.
func ReadTable(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.IO("open "+path, err)
	}
	defer f.Close()
	all, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, errors.IO("read "+path, err)
	}
	if len(all) == 0 {
		return nil, nil, errors.Inputf("table", "%s is empty", path)
	}
	return all[0], all[1:], nil
}

// MetricRows formats metric records.
func MetricRows(recs []metric.Record) [][]string {
	rows := make([][]string, len(recs))
	for i, r := range recs {
		rows[i] = []string{strconv.Itoa(r.Index), string(r.Metric), ftoa(r.Value)}
	}
	return rows
}

// WriteMetrics saves a _metric table.
func WriteMetrics(path string, recs []metric.Record) error {
	return WriteTable(path, metricColumns, MetricRows(recs))
}

// ReadMetrics loads a _metric table.
func ReadMetrics(path string) ([]metric.Record, error) {
	cols, rows, err := ReadTable(path)
	if err != nil {
		return nil, err
	}
	if err := checkColumns(path, cols, metricColumns); err != nil {
		return nil, err
	}
	out := make([]metric.Record, len(rows))
	for i, row := range rows {
		idx, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, errors.Inputf("table", "%s row %d: %v", path, i, err)
		}
		v, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, errors.Inputf("table", "%s row %d: %v", path, i, err)
		}
		out[i] = metric.Record{Index: idx, Metric: metric.Kind(row[1]), Value: v}
	}
	return out, nil
}

// OffsetRows formats offset records.
func OffsetRows(recs []register.Record) [][]string {
	rows := make([][]string, len(recs))
	for i, r := range recs {
		rows[i] = []string{
			strconv.Itoa(r.Index), ftoa(r.DY), ftoa(r.DX), string(r.Method),
			strconv.FormatBool(r.Valid), ftoa(r.Spread), strconv.Itoa(r.Windows),
			strconv.FormatBool(r.Discordant),
		}
	}
	return rows
}

// WriteOffsets saves an _offsets table.
func WriteOffsets(path string, recs []register.Record) error {
	return WriteTable(path, offsetColumns, OffsetRows(recs))
}

// ReadOffsets loads an _offsets table.
func ReadOffsets(path string) ([]register.Record, error) {
	cols, rows, err := ReadTable(path)
	if err != nil {
		return nil, err
	}
	if err := checkColumns(path, cols, offsetColumns); err != nil {
		return nil, err
	}
	out := make([]register.Record, len(rows))
	for i, row := range rows {
		var r register.Record
		var perr error
		parseInt := func(s string) int {
			v, err := strconv.Atoi(s)
			if err != nil && perr == nil {
				perr = err
			}
			return v
		}
		parseFloat := func(s string) float64 {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil && perr == nil {
				perr = err
			}
			return v
		}
		parseBool := func(s string) bool {
			v, err := strconv.ParseBool(s)
			if err != nil && perr == nil {
				perr = err
			}
			return v
		}
		r.Index = parseInt(row[0])
		r.DY = parseFloat(row[1])
		r.DX = parseFloat(row[2])
		r.Method = register.Method(row[3])
		r.Valid = parseBool(row[4])
		r.Spread = parseFloat(row[5])
		r.Windows = parseInt(row[6])
		r.Discordant = parseBool(row[7])
		if perr != nil {
			return nil, errors.Inputf("table", "%s row %d: %v", path, i, perr)
		}
		out[i] = r
	}
	return out, nil
}

// StatsRows formats window statistics.
func StatsRows(stats []metric.WindowStats) [][]string {
	rows := make([][]string, len(stats))
	for i, s := range stats {
		rows[i] = []string{
			strconv.Itoa(s.Frame), strconv.Itoa(s.Window),
			ftoa(s.Max), ftoa(s.Sum), ftoa(s.Mean), ftoa(s.Median), ftoa(s.Var), ftoa(s.NVar),
			ftoa(s.PeakY), ftoa(s.PeakX), ftoa(s.ComY), ftoa(s.ComX),
		}
	}
	return rows
}

// WriteStats saves a window statistics table.
func WriteStats(path string, stats []metric.WindowStats) error {
	return WriteTable(path, statsColumns, StatsRows(stats))
}

func checkColumns(path string, got, want []string) error {
	if len(got) != len(want) {
		return errors.Inputf("table", "%s has %d columns, expected %d", path, len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			return errors.Inputf("table", "%s column %d is %q, expected %q", path, i, got[i], want[i])
		}
	}
	return nil
}

// FormatValue renders a header value for tables.
func FormatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return ftoa(x)
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
