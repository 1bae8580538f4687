package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Measurement line formats accepted by NewMeasurementParser.
const (
	FormatTolerant = "tolerant"
	FormatFixed    = "fixed"
)

// stationPrefixWidth is the width of the station id column in measurement lines.
const stationPrefixWidth = 11

var (
	// yearRe matches a four digit year candidate (1700-2029) anywhere after the
	// station id. Numbers such as 2099 are not candidates and are skipped. Range
	// enforcement happens after the match so an out-of-range first candidate
	// rejects the line instead of falling through to a later one.
	yearRe = regexp.MustCompile(`1[7-9]\d{2}|20[0-2]\d`)

	// intRunRe matches signed integer runs, e.g. "-52", "2520".
	intRunRe = regexp.MustCompile(`-?\d+`)
)

// ParseInventoryLine parses a whitespace separated inventory line. It returns
// false when the line has fewer than six tokens.
func ParseInventoryLine(line string) (Station, bool) {
	tokens := strings.Fields(line)
	if len(tokens) < 6 {
		return Station{}, false
	}

	st := Station{ID: tokens[0]}
	lat, errLat := strconv.ParseFloat(tokens[1], 64)
	lon, errLon := strconv.ParseFloat(tokens[2], 64)
	elev, errElev := strconv.ParseFloat(tokens[3], 64)
	if errLat == nil && errLon == nil && errElev == nil {
		st.Latitude, st.Longitude, st.Elevation = &lat, &lon, &elev
	}

	country := tokens[4]
	name := strings.Join(tokens[5:], " ")
	st.CountryCode = &country
	st.Name = &name
	return st, true
}

// MeasurementParser turns one raw measurement line into a station-year.
// Implementations return false to reject the line.
type MeasurementParser interface {
	Parse(line string) (MeasurementLine, bool)
}

// NewMeasurementParser returns the parser for the named format.
func NewMeasurementParser(format string, minYear, maxYear int) (MeasurementParser, error) {
	if minYear > maxYear {
		return nil, fmt.Errorf("invalid year range %d-%d", minYear, maxYear)
	}
	switch format {
	case FormatTolerant, "":
		return TolerantParser{MinYear: minYear, MaxYear: maxYear}, nil
	case FormatFixed:
		return FixedWidthParser{MinYear: minYear, MaxYear: maxYear}, nil
	default:
		return nil, fmt.Errorf("unknown measurement format %q", format)
	}
}

// TolerantParser extracts station, year and monthly values by pattern rather than
// by column, which survives files whose alignment has drifted.
//
// The station id is the first 11 characters trimmed, or the first non-space run
// when that prefix is blank. The year is the first four digit candidate after the
// id; the first twelve signed integer runs after the year are the months.
type TolerantParser struct {
	MinYear int
	MaxYear int
}

func (p TolerantParser) Parse(line string) (MeasurementLine, bool) {
	line = strings.TrimRight(line, "\r\n")

	id, rest := splitStationID(line)
	if id == "" {
		return MeasurementLine{}, false
	}

	loc := yearRe.FindStringIndex(rest)
	if loc == nil {
		return MeasurementLine{}, false
	}
	year, err := strconv.Atoi(rest[loc[0]:loc[1]])
	if err != nil || !p.inRange(year) {
		return MeasurementLine{}, false
	}

	m := MeasurementLine{StationID: id, Year: year}
	runs := intRunRe.FindAllString(rest[loc[1]:], MonthsPerLine)
	for i, run := range runs {
		m.Months[i] = parseMonthValue(run)
	}
	return m, true
}

func (p TolerantParser) inRange(year int) bool {
	return year >= p.MinYear && year <= p.MaxYear
}

// splitStationID returns the station id and the remainder of the line after it.
func splitStationID(line string) (string, string) {
	prefix := line
	if len(prefix) > stationPrefixWidth {
		prefix = prefix[:stationPrefixWidth]
	}
	if id := strings.TrimSpace(prefix); id != "" {
		end := strings.Index(line, id) + len(id)
		return id, line[end:]
	}

	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" {
		return "", ""
	}
	end := strings.IndexAny(trimmed, " \t")
	if end < 0 {
		return trimmed, ""
	}
	return trimmed[:end], trimmed[end:]
}

// FixedWidthParser reads the published GHCN-M v4 column layout exactly.
type FixedWidthParser struct {
	MinYear int
	MaxYear int
}

const (
	fixedYearStart  = 11
	fixedYearEnd    = 15
	fixedValueStart = 19
	fixedValueWidth = 5
	fixedSlotWidth  = 8 // value + DMFLAG + QCFLAG + DSFLAG
)

func (p FixedWidthParser) Parse(line string) (MeasurementLine, bool) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < fixedYearEnd {
		return MeasurementLine{}, false
	}

	id := strings.TrimSpace(line[:stationPrefixWidth])
	if id == "" {
		return MeasurementLine{}, false
	}
	year, err := strconv.Atoi(strings.TrimSpace(line[fixedYearStart:fixedYearEnd]))
	if err != nil || year < p.MinYear || year > p.MaxYear {
		return MeasurementLine{}, false
	}

	m := MeasurementLine{StationID: id, Year: year}
	for i := range MonthsPerLine {
		start := fixedValueStart + i*fixedSlotWidth
		if start >= len(line) {
			break
		}
		end := min(start+fixedValueWidth, len(line))
		field := strings.TrimSpace(line[start:end])
		if _, err := strconv.Atoi(field); err != nil {
			continue
		}
		m.Months[i] = parseMonthValue(field)
	}
	return m, true
}

// parseMonthValue converts an integer run to a raw hundredths value, mapping the
// missing-value sentinel (and anything unparseable) to nil.
func parseMonthValue(run string) *float64 {
	v, err := strconv.ParseFloat(run, 64)
	if err != nil || v == MissingValue {
		return nil
	}
	return &v
}
