package domain

import (
	"cmp"
	"slices"
)

const (
	// MissingValue is the NOAA sentinel for "no measurement" in measurement files.
	MissingValue = -9999

	// MonthsPerLine is the number of monthly slots in a measurement line.
	MonthsPerLine = 12

	// DefaultMinYear and DefaultMaxYear bound the years accepted from measurement lines.
	DefaultMinYear = 1700
	DefaultMaxYear = 2025
)

// ObservationKey is the natural key of a fact row.
type ObservationKey struct {
	StationID string
	Year      int
	Month     int
}

// Compare orders keys by station, year, then month.
func (k ObservationKey) Compare(o ObservationKey) int {
	if c := cmp.Compare(k.StationID, o.StationID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Year, o.Year); c != 0 {
		return c
	}
	return cmp.Compare(k.Month, o.Month)
}

// Observation is one monthly value in degrees Celsius. A nil Value means the
// source reported the month as missing.
type Observation struct {
	ObservationKey
	Value *float64
}

// MeasurementLine is a parsed station-year. Months holds the raw values in
// hundredths of a degree; nil marks a missing month.
type MeasurementLine struct {
	StationID string
	Year      int
	Months    [MonthsPerLine]*float64
}

// Observations expands the line into one observation per month, converting
// hundredths of a degree to degrees.
func (m MeasurementLine) Observations() []Observation {
	out := make([]Observation, 0, MonthsPerLine)
	for i, raw := range m.Months {
		var v *float64
		if raw != nil {
			c := *raw / 100
			v = &c
		}
		out = append(out, Observation{
			ObservationKey: ObservationKey{StationID: m.StationID, Year: m.Year, Month: i + 1},
			Value:          v,
		})
	}
	return out
}

// Chunk is the transient buffer of observations applied to the store in one
// transaction. Seq is 1-based within a run.
type Chunk struct {
	Seq          int
	Observations []Observation
}

// Len returns the number of buffered observations.
func (c Chunk) Len() int { return len(c.Observations) }

// StationIDs returns the distinct station identifiers in the chunk, sorted.
func (c Chunk) StationIDs() []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, o := range c.Observations {
		if _, ok := seen[o.StationID]; ok {
			continue
		}
		seen[o.StationID] = struct{}{}
		ids = append(ids, o.StationID)
	}
	slices.Sort(ids)
	return ids
}
