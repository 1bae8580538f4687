// Package domain models Global Historical Climatology Network (GHCN) monthly
// station data as it is loaded into the warehouse.
//
// # Data Source
//
// GHCN-Monthly files are published by NOAA NCEI at
// https://www.ncei.noaa.gov/products/land-based-station/global-historical-climatology-network-monthly.
// Each release ships a station inventory (.inv) and a measurement file (.dat)
// per element (TAVG, TMAX, TMIN). Both are plain text, one record per line.
//
// # Inventory Lines
//
// Whitespace separated:
//
//	"<id> <lat> <lon> <elev> <country> <name...>"
//	e.g. "AQW00061705  -14.3167   -170.7667   3.7  AS  PAGO PAGO INTL"
//
// Latitude, longitude and elevation are decimal degrees and meters. If any of the
// three fails to parse, all three are treated as unknown rather than trusting a
// partially shifted row. Lines with fewer than six tokens are rejected.
//
// # Measurement Lines
//
// One station-year per line. The published layout is fixed width:
//
//	cols  1-11  station id
//	cols 12-15  year
//	cols 16-19  element (TAVG)
//	cols 20-115 twelve slots of VALUE(5) DMFLAG(1) QCFLAG(1) DSFLAG(1)
//
// Values are signed integers in hundredths of a degree Celsius: 2520 = 25.20°C.
// -9999 is the NOAA sentinel for a missing month and is never stored as a number.
//
// Copies of these files are frequently re-wrapped or re-aligned, so the default
// [TolerantParser] locates the year by pattern and collects the integer runs that
// follow it. [FixedWidthParser] reads the published column offsets exactly.
//
// # Duplicate Keys
//
// Overlapping file segments can produce the same (station, year, month) more than
// once inside a single load chunk. [AggregateMax] collapses them to the maximum
// concrete value; a key is absent only when every copy is absent. The result does
// not depend on line order.
package domain
