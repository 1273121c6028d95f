package radio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrNoPowerData = errors.New("no power data")
	ErrBadPowerRow = errors.New("malformed rtl_power output")
)

// PowerRow is one CSV line of rtl_power output.
type PowerRow struct {
	Start    time.Time
	FreqLow  uint64
	FreqHigh uint64
	BinWidth float64
	Samples  int
	DB       []float64
}

func parseInt(num string) (int, error) {
	return strconv.Atoi(strings.Split(num, ".")[0])
}

// ParsePowerRow parses "date, time, low, high, step, samples, dB, dB, ...".
func ParsePowerRow(line string) (row PowerRow, err error) {
	cols := strings.Split(line, ",")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	if len(cols) < 7 {
		return row, fmt.Errorf("short rtl_power row %q", line)
	}
	if row.Start, err = time.Parse(time.DateTime, cols[0]+" "+cols[1]); err != nil {
		return row, err
	}
	lo, err := parseInt(cols[2])
	if err != nil {
		return row, err
	}
	hi, err := parseInt(cols[3])
	if err != nil {
		return row, err
	}
	row.FreqLow, row.FreqHigh = uint64(lo), uint64(hi)
	if row.BinWidth, err = strconv.ParseFloat(cols[4], 64); err != nil {
		return row, err
	}
	if row.Samples, err = parseInt(cols[5]); err != nil {
		return row, err
	}
	for _, c := range cols[6:] {
		// rtl_power reports "nan" or "-nan" for bins with no samples.
		if strings.Contains(strings.ToLower(c), "nan") {
			continue
		}
		db, err := strconv.ParseFloat(c, 64)
		if err != nil {
			return row, err
		}
		if math.IsInf(db, 0) {
			continue
		}
		row.DB = append(row.DB, db)
	}
	return row, nil
}

// ReadPowerRows parses every row from r, skipping malformed lines. If no
// line parses, the first parse failure is returned as ErrBadPowerRow.
func ReadPowerRows(r io.Reader) (rows []PowerRow, err error) {
	var bad error
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		if strings.TrimSpace(s.Text()) == "" {
			continue
		}
		row, err := ParsePowerRow(s.Text())
		if err != nil {
			if bad == nil {
				bad = fmt.Errorf("%w: %v", ErrBadPowerRow, err)
			}
			continue
		}
		rows = append(rows, row)
	}
	if err := s.Err(); err != nil {
		return rows, err
	}
	if len(rows) == 0 {
		return nil, bad
	}
	return rows, nil
}

type PowerSummary struct {
	Mean   float64
	Peak   float64
	PeakHz uint64
	Bins   int
}

// SummarizePower averages and finds the peak over all bins of rows.
func SummarizePower(rows []PowerRow) (ps PowerSummary, err error) {
	var all []float64
	for _, row := range rows {
		if len(row.DB) == 0 {
			continue
		}
		i := floats.MaxIdx(row.DB)
		if len(all) == 0 || row.DB[i] > ps.Peak {
			ps.Peak = row.DB[i]
			ps.PeakHz = row.FreqLow + uint64(row.BinWidth*(float64(i)+0.5))
		}
		all = append(all, row.DB...)
	}
	if len(all) == 0 {
		return ps, ErrNoPowerData
	}
	ps.Mean, ps.Bins = stat.Mean(all, nil), len(all)
	return ps, nil
}
