package fmi

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// timeColumn is the independent variable column the simulator writes first.
const timeColumn = "time"

// finalRow is the last row of a simulation result, keyed by column name.
type finalRow struct {
	values map[string]any
	time   *float64
}

// readFinalRow reads a simulator result CSV and returns its last data row.
func readFinalRow(path string) (finalRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return finalRow{}, fmt.Errorf("open result: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return finalRow{}, fmt.Errorf("read result header: %w", err)
	}
	var last []string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return finalRow{}, fmt.Errorf("read result: %w", err)
		}
		last = rec
	}
	if last == nil {
		return finalRow{}, fmt.Errorf("result %s has no rows", path)
	}

	row := finalRow{values: make(map[string]any, len(header))}
	for i, name := range header {
		if i >= len(last) {
			break
		}
		name = strings.TrimSpace(name)
		v := parseCell(last[i])
		if name == timeColumn {
			if t, ok := v.(float64); ok {
				row.time = &t
			}
			continue
		}
		row.values[name] = v
	}
	return row, nil
}

// parseCell converts a CSV cell to a float64 or bool where possible. NaN and
// infinities, which a diverged simulation writes, become nil.
func parseCell(s string) any {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
