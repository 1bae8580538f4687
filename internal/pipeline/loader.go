package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/couchcryptid/climate-warehouse-etl/internal/domain"
	"github.com/couchcryptid/climate-warehouse-etl/internal/observability"
)

// DefaultStationBatchSize is the number of stations upserted per transaction.
const DefaultStationBatchSize = 1000

// StationWriter upserts station rows keyed on ID, overwriting every metadata
// field with the supplied values. A batch is written atomically.
type StationWriter interface {
	UpsertStations(ctx context.Context, stations []domain.Station) error
}

// LoadResult summarizes an inventory load.
type LoadResult struct {
	Lines     int
	Upserted  int
	Malformed int
	Filtered  int
}

// StationLoader loads the station inventory into the station dimension.
// Re-running it with the same input leaves the dimension unchanged.
type StationLoader struct {
	writer    StationWriter
	logger    *slog.Logger
	metrics   *observability.Metrics
	batchSize int
	country   string
}

// NewStationLoader creates a loader. An empty country loads every station;
// otherwise only stations with that country code are written.
func NewStationLoader(w StationWriter, logger *slog.Logger, metrics *observability.Metrics, batchSize int, country string) *StationLoader {
	if batchSize <= 0 {
		batchSize = DefaultStationBatchSize
	}
	return &StationLoader{
		writer:    w,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
		country:   country,
	}
}

// Load reads every inventory line from r. Malformed lines are counted and skipped.
func (l *StationLoader) Load(ctx context.Context, r io.Reader) (LoadResult, error) {
	var res LoadResult
	batch := make([]domain.Station, 0, l.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := l.writer.UpsertStations(ctx, batch); err != nil {
			return fmt.Errorf("upsert stations: %w", err)
		}
		res.Upserted += len(batch)
		l.metrics.StationsUpserted.Add(float64(len(batch)))
		batch = batch[:0]
		return nil
	}

	lines := NewLineReader(r, MaxLineBytes)
	for lines.Next() {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("station load interrupted: %w", err)
		}
		res.Lines++
		l.metrics.LinesRead.WithLabelValues(observability.StreamInventory).Inc()

		if lines.Oversized() {
			res.Malformed++
			l.metrics.LinesRejected.WithLabelValues(observability.StreamInventory).Inc()
			l.logger.Warn("skipping oversized inventory line", "line", res.Lines, "limit_bytes", MaxLineBytes)
			continue
		}
		st, ok := domain.ParseInventoryLine(lines.Text())
		if !ok {
			res.Malformed++
			l.metrics.LinesRejected.WithLabelValues(observability.StreamInventory).Inc()
			l.logger.Debug("skipping malformed inventory line", "line", res.Lines)
			continue
		}
		if l.country != "" && (st.CountryCode == nil || *st.CountryCode != l.country) {
			res.Filtered++
			l.metrics.LinesFiltered.WithLabelValues(observability.StreamInventory).Inc()
			continue
		}

		batch = append(batch, st)
		if len(batch) >= l.batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := lines.Err(); err != nil {
		return res, fmt.Errorf("read inventory: %w", err)
	}
	if err := flush(); err != nil {
		return res, err
	}

	l.logger.Info("stations loaded",
		"lines", res.Lines,
		"upserted", res.Upserted,
		"malformed", res.Malformed,
		"filtered", res.Filtered,
	)
	return res, nil
}
