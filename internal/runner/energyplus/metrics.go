package energyplus

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/seantiz/validator/internal/envelope"
)

// SimulationMetrics are the headline numbers read from eplusout.sql. Nil
// fields were not present in the database.
type SimulationMetrics struct {
	ElectricityKWh *float64 `json:"electricity_kwh,omitempty"`
	NaturalGasKWh  *float64 `json:"natural_gas_kwh,omitempty"`
	EUIKWhPerM2    *float64 `json:"energy_use_intensity_kwh_m2,omitempty"`
}

type tabularKey struct {
	report, table, row, column string
}

var (
	electricityKey = tabularKey{"AnnualBuildingUtilityPerformanceSummary", "End Uses", "Total End Uses", "Electricity [kWh]"}
	naturalGasKey  = tabularKey{"AnnualBuildingUtilityPerformanceSummary", "End Uses", "Total End Uses", "Natural Gas [kWh]"}
	buildingArea   = tabularKey{"Entire Facility", "Building Area", "Total Building Area", "Area"}
)

// Queries tried in order. EnergyPlus ships TabularDataWithStrings as a view
// over the normalized TabularData tables.
var tabularQueries = []string{
	`SELECT Value FROM TabularDataWithStrings
	 WHERE ReportName = ? AND TableName = ? AND RowName = ? AND ColumnName = ? LIMIT 1`,
	`SELECT Value FROM TabularData
	 WHERE ReportName = ? AND TableName = ? AND RowName = ? AND ColumnName = ? LIMIT 1`,
}

// ReadMetrics opens the EnergyPlus SQLite output and extracts electricity,
// natural gas and EUI.
func ReadMetrics(ctx context.Context, path string) (SimulationMetrics, error) {
	if _, err := os.Stat(path); err != nil {
		return SimulationMetrics{}, fmt.Errorf("stat %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return SimulationMetrics{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return SimulationMetrics{}, fmt.Errorf("open %s: %w", path, err)
	}

	var m SimulationMetrics
	m.ElectricityKWh = lookupTabular(ctx, db, electricityKey)
	m.NaturalGasKWh = lookupTabular(ctx, db, naturalGasKey)
	if area := lookupTabular(ctx, db, buildingArea); area != nil && *area > 0 && m.ElectricityKWh != nil {
		if eui := *m.ElectricityKWh / *area; !math.IsInf(eui, 0) {
			m.EUIKWhPerM2 = &eui
		}
	}
	return m, nil
}

// lookupTabular returns the first parseable, finite, non-negative value for
// key.
func lookupTabular(ctx context.Context, db *sql.DB, key tabularKey) *float64 {
	for _, q := range tabularQueries {
		var raw sql.NullString
		err := db.QueryRowContext(ctx, q, key.report, key.table, key.row, key.column).Scan(&raw)
		if err != nil || !raw.Valid {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw.String), 64)
		if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		return &v
	}
	return nil
}

// Envelope converts m into envelope metrics.
func (m SimulationMetrics) Envelope() []envelope.Metric {
	var out []envelope.Metric
	if m.ElectricityKWh != nil {
		out = append(out, envelope.Metric{Name: "electricity_kwh", Value: *m.ElectricityKWh, Unit: "kWh", Category: "energy"})
	}
	if m.NaturalGasKWh != nil {
		out = append(out, envelope.Metric{Name: "natural_gas_kwh", Value: *m.NaturalGasKWh, Unit: "kWh", Category: "energy"})
	}
	if m.EUIKWhPerM2 != nil {
		out = append(out, envelope.Metric{Name: "energy_use_intensity_kwh_m2", Value: *m.EUIKWhPerM2, Unit: "kWh/m2", Category: "intensity"})
	}
	return out
}
