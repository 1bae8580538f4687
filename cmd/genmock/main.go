// Command genmock writes a synthetic GHCN-M inventory and measurement file pair
// for local runs and smoke tests. The output exercises every ingestion edge:
// duplicate station-years, missing-value sentinels, a station absent from the
// inventory, and malformed lines in both files.
//
// Usage:
//
//	go run ./cmd/genmock -out-dir data -stations 200 -from 1950 -to 2020
//	go run ./cmd/genmock -out-dir data -gzip
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/couchcryptid/climate-warehouse-etl/internal/domain"
	"github.com/klauspost/compress/gzip"
)

// orphanStationID has measurements but no inventory line.
const orphanStationID = "AQ000WXYZ"

var countries = []string{"US", "AS", "GM", "CA", "AU", "IN"}

type options struct {
	stations      int
	from, to      int
	seed          uint64
	duplicateRate float64
	missingRate   float64
}

type stats struct {
	stations     int
	measurements int
	duplicates   int
	missing      int
	malformed    int
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	outDir := flag.String("out-dir", "data", "directory for the generated files")
	compress := flag.Bool("gzip", false, "gzip both files (adds a .gz suffix)")
	opts := options{}
	flag.IntVar(&opts.stations, "stations", 100, "number of inventoried stations")
	flag.IntVar(&opts.from, "from", 1950, "first year")
	flag.IntVar(&opts.to, "to", 2020, "last year")
	flag.Uint64Var(&opts.seed, "seed", 1, "random seed")
	flag.Float64Var(&opts.duplicateRate, "dup-rate", 0.02, "fraction of station-years written twice")
	flag.Float64Var(&opts.missingRate, "missing-rate", 0.05, "fraction of months written as -9999")
	flag.Parse()

	if opts.stations <= 0 || opts.from > opts.to {
		flag.Usage()
		return fmt.Errorf("need -stations > 0 and -from <= -to")
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}

	suffix := ""
	if *compress {
		suffix = ".gz"
	}
	invPath := filepath.Join(*outDir, "ghcnm.tavg.qfe.inv"+suffix)
	datPath := filepath.Join(*outDir, "ghcnm.tavg.qfe.dat"+suffix)

	inv, err := create(invPath, *compress)
	if err != nil {
		return err
	}
	dat, err := create(datPath, *compress)
	if err != nil {
		inv.Close()
		return err
	}

	st, genErr := generate(opts, inv, dat)
	invErr := inv.Close()
	datErr := dat.Close()
	for _, err := range []error{genErr, invErr, datErr} {
		if err != nil {
			return err
		}
	}

	log.Printf("wrote %s (%d stations)", invPath, st.stations)
	log.Printf("wrote %s (%d lines, %d duplicates, %d missing months, %d malformed)",
		datPath, st.measurements, st.duplicates, st.missing, st.malformed)
	return nil
}

// generate writes the inventory to inv and the measurements to dat.
func generate(opts options, inv, dat io.Writer) (stats, error) {
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed^0x9e3779b97f4a7c15))
	var st stats

	invW := bufio.NewWriter(inv)
	datW := bufio.NewWriter(dat)

	type station struct {
		id       string
		baseline float64 // annual mean in degrees
		amp      float64 // seasonal swing in degrees
		south    bool
	}
	stations := make([]station, 0, opts.stations+1)

	for i := range opts.stations {
		country := countries[i%len(countries)]
		lat := rng.Float64()*140 - 70
		lon := rng.Float64()*360 - 180
		elev := math.Round(rng.Float64()*2500*10) / 10
		name := fmt.Sprintf("SYNTHETIC STATION %d", i+1)
		s := domain.Station{
			ID:          fmt.Sprintf("%sW%08d", country, i+1),
			Latitude:    &lat,
			Longitude:   &lon,
			Elevation:   &elev,
			CountryCode: &country,
			Name:        &name,
		}
		if _, err := fmt.Fprintln(invW, domain.FormatInventoryLine(s)); err != nil {
			return st, err
		}
		st.stations++
		stations = append(stations, station{
			id:       s.ID,
			baseline: 28 - math.Abs(lat)*0.4,
			amp:      math.Abs(lat) * 0.25,
			south:    lat < 0,
		})
	}
	// A truncated inventory line.
	if _, err := fmt.Fprintln(invW, "XXW99999999  12.5  -45.0"); err != nil {
		return st, err
	}

	stations = append(stations, station{id: orphanStationID, baseline: 26, amp: 2, south: true})

	writeYear := func(s station, year int, jitter float64) error {
		m := domain.MeasurementLine{StationID: s.id, Year: year}
		for month := range domain.MonthsPerLine {
			if rng.Float64() < opts.missingRate {
				st.missing++
				continue
			}
			phase := float64(month) / 12 * 2 * math.Pi
			season := -math.Cos(phase) * s.amp
			if s.south {
				season = -season
			}
			raw := math.Round((s.baseline + season + rng.NormFloat64() + jitter) * 100)
			m.Months[month] = &raw
		}
		_, err := fmt.Fprintln(datW, domain.FormatMeasurementLine(m, domain.ElementTAVG))
		st.measurements++
		return err
	}

	for _, s := range stations {
		for year := opts.from; year <= opts.to; year++ {
			if err := writeYear(s, year, 0); err != nil {
				return st, err
			}
			if rng.Float64() < opts.duplicateRate {
				if err := writeYear(s, year, rng.Float64()); err != nil {
					return st, err
				}
				st.duplicates++
			}
		}
	}

	for _, bad := range []string{
		"",
		"this line has no year",
		fmt.Sprintf("%sW%08d 1066 TAVG  1200", countries[0], 1),
	} {
		if _, err := fmt.Fprintln(datW, bad); err != nil {
			return st, err
		}
		st.malformed++
	}

	if err := invW.Flush(); err != nil {
		return st, err
	}
	return st, datW.Flush()
}

func create(path string, compress bool) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if !compress {
		return f, nil
	}
	return &gzipFile{Writer: gzip.NewWriter(f), f: f}, nil
}

type gzipFile struct {
	*gzip.Writer
	f *os.File
}

func (g *gzipFile) Close() error {
	if err := g.Writer.Close(); err != nil {
		g.f.Close()
		return err
	}
	return g.f.Close()
}
