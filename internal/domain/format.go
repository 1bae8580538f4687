package domain

import (
	"fmt"
	"strings"
)

// ElementTAVG is the element code for monthly mean temperature.
const ElementTAVG = "TAVG"

// FormatMeasurementLine renders a station-year in the published fixed-width
// layout, writing missing months as the sentinel with blank flags.
func FormatMeasurementLine(m MeasurementLine, element string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-11s%04d%-4s", m.StationID, m.Year, element)
	for _, v := range m.Months {
		raw := MissingValue
		if v != nil {
			raw = int(*v)
		}
		fmt.Fprintf(&b, "%5d   ", raw)
	}
	return strings.TrimRight(b.String(), " ")
}

// FormatInventoryLine renders a station as an inventory line. Unknown
// coordinates are written as "----", which the inventory parser reads as absent.
func FormatInventoryLine(s Station) string {
	coord := func(v *float64, prec int) string {
		if v == nil {
			return "----"
		}
		return fmt.Sprintf("%.*f", prec, *v)
	}
	country, name := "--", "UNKNOWN"
	if s.CountryCode != nil && *s.CountryCode != "" {
		country = *s.CountryCode
	}
	if s.Name != nil && *s.Name != "" {
		name = *s.Name
	}
	return fmt.Sprintf("%-11s %9s %10s %7s  %s  %s",
		s.ID, coord(s.Latitude, 4), coord(s.Longitude, 4), coord(s.Elevation, 1), country, name)
}
