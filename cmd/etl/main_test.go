package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/couchcryptid/climate-warehouse-etl/internal/config"
	"github.com/couchcryptid/climate-warehouse-etl/internal/domain"
	"github.com/couchcryptid/climate-warehouse-etl/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testInventory = `AQW00061705  -14.3167   -170.7667   3.7  AS  PAGO PAGO INTL
USW00094728  40.7789  -73.9692   39.6 US NEW YORK CNTRL PK TWR
bad line
`
	testMeasurements = `AQW00061705190119000211030211030211030
USW00094728 1950 TAVG  -150  -80  300
AQ000WXYZ   2000 TAVG  1500
no year
`
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	inv := filepath.Join(dir, "ghcnm.tavg.qfe.inv")
	dat := filepath.Join(dir, "ghcnm.tavg.qfe.dat")
	require.NoError(t, os.WriteFile(inv, []byte(testInventory), 0o600))
	require.NoError(t, os.WriteFile(dat, []byte(testMeasurements), 0o600))

	return &config.Config{
		StationsPath:     inv,
		MeasurementsPath: dat,
		ChunkSize:        10,
		StationBatchSize: 1,
		LineFormat:       domain.FormatTolerant,
		MinYear:          domain.DefaultMinYear,
		MaxYear:          domain.DefaultMaxYear,
		StationCacheSize: 10,
		StoreDriver:      config.DriverMemory,
		SourceName:       "NOAA",
		ShutdownTimeout:  time.Second,
	}
}

func tableValue(t *testing.T, out, stage, metric string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		cells := strings.Split(line, "|")
		if len(cells) < 4 {
			continue
		}
		if strings.TrimSpace(cells[1]) == stage && strings.TrimSpace(cells[2]) == metric {
			return strings.TrimSpace(cells[3])
		}
	}
	t.Fatalf("row %s/%s not found in:\n%s", stage, metric, out)
	return ""
}

func TestRun_MemoryStore(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer

	err := run(context.Background(), cfg, slog.Default(), observability.NewMetricsForTesting(), &out)
	require.NoError(t, err)

	s := out.String()
	assert.Equal(t, "2", tableValue(t, s, "inventory", "stations upserted"))
	assert.Equal(t, "1", tableValue(t, s, "inventory", "malformed"))
	assert.Equal(t, "1", tableValue(t, s, "measurements", "malformed"))
	assert.Equal(t, "36", tableValue(t, s, "measurements", "observations"))
	assert.Equal(t, "4", tableValue(t, s, "measurements", "chunks committed"))
	assert.Equal(t, "1", tableValue(t, s, "measurements", "stations registered"))
	assert.Equal(t, "3", tableValue(t, s, "warehouse", "stations"))
	assert.Equal(t, "36", tableValue(t, s, "warehouse", "facts"))
	assert.Equal(t, "5", tableValue(t, s, "warehouse", "facts with value"))
}

func TestRun_CountryFilter(t *testing.T) {
	cfg := testConfig(t)
	cfg.CountryFilter = "US"
	var out bytes.Buffer

	err := run(context.Background(), cfg, slog.Default(), observability.NewMetricsForTesting(), &out)
	require.NoError(t, err)

	s := out.String()
	assert.Equal(t, "1", tableValue(t, s, "inventory", "stations upserted"))
	assert.Equal(t, "2", tableValue(t, s, "measurements", "filtered"))
	assert.Equal(t, "12", tableValue(t, s, "warehouse", "facts"))
	assert.Equal(t, "0", tableValue(t, s, "measurements", "stations registered"))
}

func TestRun_MissingSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.MeasurementsPath = filepath.Join(t.TempDir(), "absent.dat")

	err := run(context.Background(), cfg, slog.Default(), observability.NewMetricsForTesting(), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open measurements")
}

func TestRun_Cancelled(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := run(ctx, cfg, slog.Default(), observability.NewMetricsForTesting(), &bytes.Buffer{})
	require.ErrorIs(t, err, context.Canceled)
}
