package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/climate-warehouse-etl/internal/domain"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// MaxChunkSize caps CHUNK_SIZE so one chunk transaction stays within memory.
const MaxChunkSize = 5_000_000

// Config holds all run settings, populated from environment variables.
type Config struct {
	StationsPath     string
	MeasurementsPath string

	ChunkSize              int
	StationBatchSize       int
	CountryFilter          string
	LineFormat             string
	MinYear                int
	MaxYear                int
	ChunkMaxRetries        int
	MalformedWarnThreshold int
	StationCacheSize       int

	StoreDriver      string
	DatabaseURL      string
	PostgresMaxConns int32

	SourceName string
	SourceURL  string
	S3Endpoint string

	KafkaBrokers []string
	KafkaTopic   string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		StationsPath:     sharedcfg.EnvOrDefault("STATIONS_PATH", "data/ghcnm.tavg.qfe.inv"),
		MeasurementsPath: sharedcfg.EnvOrDefault("MEASUREMENTS_PATH", "data/ghcnm.tavg.qfe.dat"),
		CountryFilter:    strings.ToUpper(strings.TrimSpace(os.Getenv("COUNTRY_FILTER"))),
		LineFormat:       sharedcfg.EnvOrDefault("LINE_FORMAT", domain.FormatTolerant),
		StoreDriver:      sharedcfg.EnvOrDefault("STORE_DRIVER", DriverPostgres),
		SourceName:       sharedcfg.EnvOrDefault("SOURCE_NAME", "NOAA"),
		SourceURL:        sharedcfg.EnvOrDefault("SOURCE_URL", "https://www.ncei.noaa.gov/"),
		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		KafkaTopic:       sharedcfg.EnvOrDefault("KAFKA_TOPIC", "ghcn-chunks-committed"),
		HTTPAddr:         os.Getenv("HTTP_ADDR"),
		LogLevel:         sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:        sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:  shutdownTimeout,
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(brokers)
	}

	ints := []struct {
		key  string
		def  int
		min  int
		dest *int
	}{
		{"CHUNK_SIZE", 300_000, 1, &cfg.ChunkSize},
		{"STATION_BATCH_SIZE", 1000, 1, &cfg.StationBatchSize},
		{"YEAR_MIN", domain.DefaultMinYear, 0, &cfg.MinYear},
		{"YEAR_MAX", domain.DefaultMaxYear, 0, &cfg.MaxYear},
		{"CHUNK_MAX_RETRIES", 0, 0, &cfg.ChunkMaxRetries},
		{"MALFORMED_WARN_THRESHOLD", 1000, 0, &cfg.MalformedWarnThreshold},
		{"STATION_CACHE_SIZE", 100_000, 0, &cfg.StationCacheSize},
	}
	for _, in := range ints {
		v, err := parseInt(in.key, in.def, in.min)
		if err != nil {
			return nil, err
		}
		*in.dest = v
	}

	maxConns, err := parseInt("POSTGRES_MAX_CONNS", 4, 1)
	if err != nil {
		return nil, err
	}
	cfg.PostgresMaxConns = int32(maxConns)
	cfg.DatabaseURL = databaseURL()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("CHUNK_SIZE must be at most %d", MaxChunkSize)
	}
	if c.MinYear > c.MaxYear {
		return errors.New("YEAR_MIN must not exceed YEAR_MAX")
	}
	switch c.LineFormat {
	case domain.FormatTolerant, domain.FormatFixed:
	default:
		return fmt.Errorf("invalid LINE_FORMAT %q", c.LineFormat)
	}
	switch c.StoreDriver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.StoreDriver)
	}
	if c.StationsPath == "" {
		return errors.New("STATIONS_PATH is required")
	}
	if c.MeasurementsPath == "" {
		return errors.New("MEASUREMENTS_PATH is required")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

func parseInt(key string, def, minimum int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minimum {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

// databaseURL prefers DATABASE_URL and otherwise assembles one from the
// POSTGRES_* variables.
func databaseURL() string {
	if u := os.Getenv("DATABASE_URL"); u != "" {
		return u
	}
	u := url.URL{
		Scheme: "postgres",
		User: url.UserPassword(
			sharedcfg.EnvOrDefault("POSTGRES_USER", "postgres"),
			sharedcfg.EnvOrDefault("POSTGRES_PASSWORD", "postgres"),
		),
		Host:     sharedcfg.EnvOrDefault("POSTGRES_HOST", "localhost") + ":" + sharedcfg.EnvOrDefault("POSTGRES_PORT", "5432"),
		Path:     "/" + sharedcfg.EnvOrDefault("POSTGRES_DB", "climate"),
		RawQuery: "sslmode=" + sharedcfg.EnvOrDefault("POSTGRES_SSLMODE", "disable"),
	}
	return u.String()
}
