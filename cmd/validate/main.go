// Command validate checks a GHCN-M inventory and measurement file pair before
// it is loaded. It reports malformed lines, duplicate keys, stations that will
// be auto-registered, implausible values, and lines where the tolerant and
// fixed-width parsers disagree. No database is needed.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -stations data/ghcnm.tavg.qfe.inv \
//	  -measurements data/ghcnm.tavg.qfe.dat \
//	  -max-malformed 0.01
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/couchcryptid/climate-warehouse-etl/internal/adapter/source"
	"github.com/couchcryptid/climate-warehouse-etl/internal/domain"
	"github.com/couchcryptid/climate-warehouse-etl/internal/pipeline"
)

// Plausible monthly mean range in degrees Celsius.
const (
	minPlausibleC = -90.0
	maxPlausibleC = 60.0
)

// maxReported caps the per-phase detail lines.
const maxReported = 10

// phase tracks pass/fail for a validation phase.
type phase struct {
	name     string
	errors   []string
	warnings []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) warnf(format string, args ...any) {
	p.warnings = append(p.warnings, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

type options struct {
	stationsPath     string
	measurementsPath string
	maxMalformed     float64
	minYear, maxYear int
}

func main() {
	opts := options{}
	flag.StringVar(&opts.stationsPath, "stations", "", "inventory path or URI")
	flag.StringVar(&opts.measurementsPath, "measurements", "", "measurement path or URI")
	flag.Float64Var(&opts.maxMalformed, "max-malformed", 0.01, "fail when the malformed line ratio exceeds this")
	flag.IntVar(&opts.minYear, "year-min", domain.DefaultMinYear, "first accepted year")
	flag.IntVar(&opts.maxYear, "year-max", domain.DefaultMaxYear, "last accepted year")
	flag.Parse()

	if opts.stationsPath == "" || opts.measurementsPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(context.Background(), source.NewOpener(source.WithS3Endpoint(os.Getenv("S3_ENDPOINT"))), opts, os.Stdout); code != 0 {
		os.Exit(code)
	}
}

func run(ctx context.Context, opener *source.Opener, opts options, out io.Writer) int {
	inventory := &phase{name: "inventory"}
	measurements := &phase{name: "measurements"}
	agreement := &phase{name: "parser agreement"}

	stations, err := checkInventory(ctx, opener, opts, inventory)
	if err != nil {
		fmt.Fprintf(out, "FAIL: %v\n", err)
		return 1
	}
	if err := checkMeasurements(ctx, opener, opts, stations, measurements, agreement); err != nil {
		fmt.Fprintf(out, "FAIL: %v\n", err)
		return 1
	}

	code := 0
	for _, p := range []*phase{inventory, measurements, agreement} {
		status := "PASS"
		if !p.passed() {
			status = "FAIL"
			code = 1
		}
		fmt.Fprintf(out, "[%s] %s\n", status, p.name)
		for _, e := range p.errors {
			fmt.Fprintf(out, "  error: %s\n", e)
		}
		for i, w := range p.warnings {
			if i == maxReported {
				fmt.Fprintf(out, "  ... %d more warnings\n", len(p.warnings)-maxReported)
				break
			}
			fmt.Fprintf(out, "  warn: %s\n", w)
		}
	}
	return code
}

func checkInventory(ctx context.Context, opener *source.Opener, opts options, p *phase) (map[string]struct{}, error) {
	r, err := opener.Open(ctx, opts.stationsPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	stations := make(map[string]struct{})
	var lines, malformed int
	reader := pipeline.NewLineReader(r, pipeline.MaxLineBytes)
	for reader.Next() {
		lines++
		st, ok := domain.ParseInventoryLine(reader.Text())
		if !ok || reader.Oversized() {
			malformed++
			p.warnf("line %d: malformed", lines)
			continue
		}
		if _, dup := stations[st.ID]; dup {
			p.warnf("line %d: station %s listed again; the last line wins", lines, st.ID)
		}
		stations[st.ID] = struct{}{}
		if st.Latitude != nil && (*st.Latitude < -90 || *st.Latitude > 90) {
			p.errorf("line %d: station %s latitude %.4f out of range", lines, st.ID, *st.Latitude)
		}
		if st.Longitude != nil && (*st.Longitude < -180 || *st.Longitude > 180) {
			p.errorf("line %d: station %s longitude %.4f out of range", lines, st.ID, *st.Longitude)
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	checkRatio(p, malformed, lines, opts.maxMalformed)
	return stations, nil
}

func checkMeasurements(ctx context.Context, opener *source.Opener, opts options, stations map[string]struct{}, p, agree *phase) error {
	tolerant, err := domain.NewMeasurementParser(domain.FormatTolerant, opts.minYear, opts.maxYear)
	if err != nil {
		return err
	}
	fixed, err := domain.NewMeasurementParser(domain.FormatFixed, opts.minYear, opts.maxYear)
	if err != nil {
		return err
	}

	r, err := opener.Open(ctx, opts.measurementsPath)
	if err != nil {
		return err
	}
	defer r.Close()

	type stationYear struct {
		id   string
		year int
	}
	seen := make(map[stationYear]struct{})
	orphans := make(map[string]struct{})
	var lines, malformed, duplicates, disagreements int

	reader := pipeline.NewLineReader(r, pipeline.MaxLineBytes)
	for reader.Next() {
		lines++
		if reader.Oversized() {
			malformed++
			p.warnf("line %d: longer than %d bytes", lines, pipeline.MaxLineBytes)
			continue
		}
		text := reader.Text()
		m, ok := tolerant.Parse(text)
		f, fok := fixed.Parse(text)
		if ok != fok || (ok && !sameLine(m, f)) {
			disagreements++
			agree.warnf("line %d: tolerant and fixed-width parsers disagree", lines)
		}
		if !ok {
			malformed++
			continue
		}

		key := stationYear{m.StationID, m.Year}
		if _, dup := seen[key]; dup {
			duplicates++
		}
		seen[key] = struct{}{}
		if _, known := stations[m.StationID]; !known {
			orphans[m.StationID] = struct{}{}
		}
		for i, v := range m.Months {
			if v == nil {
				continue
			}
			if c := *v / 100; c < minPlausibleC || c > maxPlausibleC {
				p.warnf("line %d: %s %d month %d value %.2f C is implausible", lines, m.StationID, m.Year, i+1, c)
			}
		}
	}
	if err := reader.Err(); err != nil {
		return fmt.Errorf("read measurements: %w", err)
	}

	checkRatio(p, malformed, lines, opts.maxMalformed)
	if duplicates > 0 {
		p.warnf("%d duplicate station-years; the warehouse keeps the maximum per month", duplicates)
	}
	if len(orphans) > 0 {
		ids := make([]string, 0, len(orphans))
		for id := range orphans {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		p.warnf("%d stations missing from the inventory will be registered without metadata (first: %s)", len(ids), ids[0])
	}
	if disagreements > 0 && lines > 0 {
		agree.warnf("%d of %d lines parse differently; prefer LINE_FORMAT=tolerant", disagreements, lines)
	}
	return nil
}

func checkRatio(p *phase, bad, total int, limit float64) {
	if total == 0 {
		p.errorf("no lines")
		return
	}
	if ratio := float64(bad) / float64(total); ratio > limit {
		p.errorf("%d of %d lines malformed (%.2f%% > %.2f%%)", bad, total, ratio*100, limit*100)
	}
}

func sameLine(a, b domain.MeasurementLine) bool {
	if a.StationID != b.StationID || a.Year != b.Year {
		return false
	}
	for i := range a.Months {
		x, y := a.Months[i], b.Months[i]
		if (x == nil) != (y == nil) || (x != nil && *x != *y) {
			return false
		}
	}
	return true
}
