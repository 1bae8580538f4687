// Package postgres is the warehouse store backed by PostgreSQL through a pgx
// connection pool.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/climate-warehouse-etl/internal/domain"
	"github.com/couchcryptid/climate-warehouse-etl/internal/pipeline"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	upsertStationSQL = `
INSERT INTO dim_station (station_id, latitude, longitude, elevation, country_code, name)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (station_id) DO UPDATE SET
    latitude     = EXCLUDED.latitude,
    longitude    = EXCLUDED.longitude,
    elevation    = EXCLUDED.elevation,
    country_code = EXCLUDED.country_code,
    name         = EXCLUDED.name`

	ensureSourceSQL = `
INSERT INTO dim_source (source_name, source_url)
VALUES ($1, NULLIF($2, ''))
ON CONFLICT (source_name) DO UPDATE SET source_url = COALESCE(EXCLUDED.source_url, dim_source.source_url)
RETURNING source_id`

	createStageSQL = `
CREATE TEMP TABLE ghcn_stage (
    station_id TEXT,
    year       INT,
    month      SMALLINT,
    temp_c     DOUBLE PRECISION
) ON COMMIT DROP`

	stationsExistSQL = `SELECT station_id FROM dim_station WHERE station_id = ANY($1)`

	registerStationsSQL = `
INSERT INTO dim_station (station_id)
SELECT unnest($1::text[])
ON CONFLICT (station_id) DO NOTHING`

	// MAX ignores NULL, so a key is absent only when every staged value is absent.
	upsertFactsSQL = `
INSERT INTO fact_temperature (station_id, year, month, temp_c, source_id)
SELECT station_id, year, month, MAX(temp_c), $1::int
FROM ghcn_stage
GROUP BY station_id, year, month
ON CONFLICT (station_id, year, month) DO UPDATE SET
    temp_c    = EXCLUDED.temp_c,
    source_id = EXCLUDED.source_id`

	countsSQL = `
SELECT
    (SELECT count(*) FROM dim_station),
    (SELECT count(*) FROM dim_station
        WHERE latitude IS NOT NULL OR longitude IS NOT NULL OR elevation IS NOT NULL
           OR country_code IS NOT NULL OR name IS NOT NULL),
    (SELECT count(*) FROM fact_temperature),
    (SELECT count(*) FROM fact_temperature WHERE temp_c IS NOT NULL)`
)

var stageColumns = []string{"station_id", "year", "month", "temp_c"}

// Options configures the connection pool.
type Options struct {
	URL      string
	MaxConns int32
	Logger   *slog.Logger
}

// Store implements the warehouse on PostgreSQL.
type Store struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	sourceID atomic.Int32
}

// Open connects the pool and verifies connectivity.
func Open(ctx context.Context, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connected to postgres", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// EnsureSchema creates the warehouse tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// EnsureSource returns the id of the named source, creating it when needed, and
// tags facts written afterwards with it.
func (s *Store) EnsureSource(ctx context.Context, name, url string) (int32, error) {
	var id int32
	if err := s.pool.QueryRow(ctx, ensureSourceSQL, name, url).Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure source %q: %w", name, err)
	}
	s.sourceID.Store(id)
	return id, nil
}

// UpsertStations writes the batch in one transaction, overwriting every
// metadata column of existing rows.
func (s *Store) UpsertStations(ctx context.Context, stations []domain.Station) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin station batch: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck // no-op after commit

	batch := &pgx.Batch{}
	for _, st := range stations {
		batch.Queue(upsertStationSQL, st.ID, st.Latitude, st.Longitude, st.Elevation, st.CountryCode, st.Name)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert station batch: %w", err)
	}
	return tx.Commit(ctx)
}

// StationIDs returns the ids of stations in country, or every id when country
// is empty.
func (s *Store) StationIDs(ctx context.Context, country string) ([]string, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if country == "" {
		rows, err = s.pool.Query(ctx, `SELECT station_id FROM dim_station ORDER BY station_id`)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT station_id FROM dim_station WHERE country_code = $1 ORDER BY station_id`, country)
	}
	if err != nil {
		return nil, fmt.Errorf("query station ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect station ids: %w", err)
	}
	return ids, nil
}

// Counts returns dimension and fact totals.
func (s *Store) Counts(ctx context.Context) (domain.WarehouseCounts, error) {
	var c domain.WarehouseCounts
	err := s.pool.QueryRow(ctx, countsSQL).Scan(&c.Stations, &c.StationsWithMetadata, &c.Facts, &c.FactsWithValue)
	if err != nil {
		return c, fmt.Errorf("count warehouse rows: %w", err)
	}
	return c, nil
}

// BeginChunk opens a transaction with a private staging table that is dropped
// when the transaction ends.
func (s *Store) BeginChunk(ctx context.Context) (pipeline.ChunkTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, createStageSQL); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("create staging table: %w", err)
	}
	var source *int32
	if id := s.sourceID.Load(); id != 0 {
		source = &id
	}
	return &chunkTx{tx: tx, sourceID: source}, nil
}

type chunkTx struct {
	tx       pgx.Tx
	sourceID *int32
}

func (c *chunkTx) BulkLoad(ctx context.Context, rows []domain.Observation) (int64, error) {
	return c.tx.CopyFrom(ctx, pgx.Identifier{"ghcn_stage"}, stageColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			o := rows[i]
			return []any{o.StationID, int32(o.Year), int16(o.Month), o.Value}, nil
		}),
	)
}

func (c *chunkTx) StationsExist(ctx context.Context, ids []string) (map[string]struct{}, error) {
	rows, err := c.tx.Query(ctx, stationsExistSQL, ids)
	if err != nil {
		return nil, err
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(found))
	for _, id := range found {
		out[id] = struct{}{}
	}
	return out, nil
}

func (c *chunkTx) RegisterStations(ctx context.Context, ids []string) (int64, error) {
	tag, err := c.tx.Exec(ctx, registerStationsSQL, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *chunkTx) AggregateAndUpsertFacts(ctx context.Context) (int64, error) {
	tag, err := c.tx.Exec(ctx, upsertFactsSQL, c.sourceID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *chunkTx) Commit(ctx context.Context) error { return c.tx.Commit(ctx) }

func (c *chunkTx) Rollback(ctx context.Context) error { return c.tx.Rollback(ctx) }
