package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/couchcryptid/climate-warehouse-etl/internal/domain"
	"github.com/couchcryptid/climate-warehouse-etl/internal/observability"
	"github.com/jonboulle/clockwork"
)

// DefaultChunkSize is the number of observations buffered per chunk transaction.
const DefaultChunkSize = 300_000

// ChunkApplier applies one chunk atomically.
type ChunkApplier interface {
	Apply(ctx context.Context, chunk domain.Chunk) (ChunkResult, error)
}

// ChunkObserver is notified after each chunk commits. Errors are logged and do
// not affect the run.
type ChunkObserver interface {
	ChunkCommitted(ctx context.Context, result ChunkResult) error
}

// IngestorConfig tunes an Ingestor. Zero values select defaults.
type IngestorConfig struct {
	ChunkSize int
	// MaxRetries is the number of extra attempts for a failed chunk.
	MaxRetries int
	// MalformedWarnThreshold raises the end-of-run summary to WARN when more
	// lines than this were rejected. Zero disables the warning.
	MalformedWarnThreshold int
	// Allow restricts ingestion to matching station ids when set.
	Allow func(stationID string) bool

	Observer   ChunkObserver
	Clock      clockwork.Clock
	NewBackOff func() backoff.BackOff
}

// IngestResult summarizes a measurement run.
type IngestResult struct {
	Lines        int   `json:"lines"`
	Malformed    int   `json:"malformed"`
	Filtered     int   `json:"filtered"`
	Observations int   `json:"observations"`
	Chunks       int   `json:"chunks"`
	Registered   int64 `json:"stations_registered"`
	Facts        int64 `json:"facts_upserted"`
}

// Ingestor streams measurement lines into bounded chunks and applies each chunk
// before reading on. Chunk boundaries are the only checkpoints: a cancelled run
// keeps every committed chunk and discards the open buffer.
type Ingestor struct {
	parser  domain.MeasurementParser
	applier ChunkApplier
	logger  *slog.Logger
	metrics *observability.Metrics
	cfg     IngestorConfig
	ready   atomic.Bool
	// progress holds the totals as of the last committed chunk.
	progress atomic.Pointer[IngestResult]
}

// NewIngestor creates an Ingestor with the given parser, chunk applier and observability.
func NewIngestor(p domain.MeasurementParser, a ChunkApplier, logger *slog.Logger, metrics *observability.Metrics, cfg IngestorConfig) *Ingestor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	return &Ingestor{
		parser:  p,
		applier: a,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
	}
}

// CheckReadiness returns nil once at least one chunk has committed.
func (in *Ingestor) CheckReadiness(_ context.Context) error {
	if !in.ready.Load() {
		return errors.New("no chunk has been committed yet")
	}
	return nil
}

// Progress returns the run totals as of the last committed chunk.
func (in *Ingestor) Progress() any {
	if p := in.progress.Load(); p != nil {
		return *p
	}
	return IngestResult{}
}

// Run reads r to the end, applying a chunk every ChunkSize observations and a
// final partial chunk at end of input. Rejected lines are counted and skipped.
// The first chunk that fails after retries stops the run.
func (in *Ingestor) Run(ctx context.Context, r io.Reader) (IngestResult, error) {
	in.logger.Info("measurement ingestion started", "chunk_size", in.cfg.ChunkSize, "max_retries", in.cfg.MaxRetries)
	in.metrics.PipelineRunning.Set(1)
	defer in.metrics.PipelineRunning.Set(0)

	var res IngestResult
	chunk := domain.Chunk{Seq: 1, Observations: make([]domain.Observation, 0, in.cfg.ChunkSize)}

	lines := NewLineReader(r, MaxLineBytes)
	for lines.Next() {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("ingestion interrupted after %d chunks: %w", res.Chunks, err)
		}
		res.Lines++
		in.metrics.LinesRead.WithLabelValues(observability.StreamMeasurements).Inc()

		if lines.Oversized() {
			res.Malformed++
			in.metrics.LinesRejected.WithLabelValues(observability.StreamMeasurements).Inc()
			in.logger.Warn("skipping oversized measurement line", "line", res.Lines, "limit_bytes", MaxLineBytes)
			continue
		}
		line, ok := in.parser.Parse(lines.Text())
		if !ok {
			res.Malformed++
			in.metrics.LinesRejected.WithLabelValues(observability.StreamMeasurements).Inc()
			continue
		}
		if in.cfg.Allow != nil && !in.cfg.Allow(line.StationID) {
			res.Filtered++
			in.metrics.LinesFiltered.WithLabelValues(observability.StreamMeasurements).Inc()
			continue
		}

		for _, o := range line.Observations() {
			chunk.Observations = append(chunk.Observations, o)
			res.Observations++
			in.metrics.ObservationsRead.Inc()
			if chunk.Len() < in.cfg.ChunkSize {
				continue
			}
			if err := in.flush(ctx, chunk, &res); err != nil {
				return res, err
			}
			chunk = domain.Chunk{Seq: chunk.Seq + 1, Observations: chunk.Observations[:0]}
		}
	}
	if err := lines.Err(); err != nil {
		return res, fmt.Errorf("read measurements: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("ingestion interrupted after %d chunks: %w", res.Chunks, err)
	}

	if chunk.Len() > 0 {
		if err := in.flush(ctx, chunk, &res); err != nil {
			return res, err
		}
	}

	in.progress.Store(&res)
	in.logSummary(res)
	return res, nil
}

// flush applies one chunk, retrying with backoff up to MaxRetries extra times.
func (in *Ingestor) flush(ctx context.Context, chunk domain.Chunk, res *IngestResult) error {
	start := in.cfg.Clock.Now()
	attempt := 0

	result, err := backoff.Retry(ctx, func() (ChunkResult, error) {
		if attempt > 0 {
			in.logger.Warn("retrying chunk", "chunk", chunk.Seq, "attempt", attempt)
			in.metrics.ChunkRetries.Inc()
		}
		attempt++
		r, err := in.applier.Apply(ctx, chunk)
		if err != nil && ctx.Err() != nil {
			return r, backoff.Permanent(err)
		}
		return r, err
	},
		backoff.WithBackOff(in.cfg.NewBackOff()),
		backoff.WithMaxTries(uint(in.cfg.MaxRetries+1)),
	)
	if err != nil {
		in.metrics.ChunkFailures.Inc()
		in.logger.Error("chunk failed",
			"chunk", chunk.Seq,
			"rows", chunk.Len(),
			"attempts", attempt,
			"error", err,
		)
		return err
	}

	result.Duration = in.cfg.Clock.Since(start)
	res.Chunks++
	res.Facts += result.Facts
	res.Registered += result.Registered

	in.metrics.ChunksCommitted.Inc()
	in.metrics.FactsUpserted.Add(float64(result.Facts))
	in.metrics.StationsRegistered.Add(float64(result.Registered))
	in.metrics.ChunkRows.Observe(float64(result.Rows))
	in.metrics.ChunkDuration.Observe(result.Duration.Seconds())
	snapshot := *res
	in.progress.Store(&snapshot)
	in.ready.Store(true)

	in.logger.Info("chunk committed",
		"chunk", result.Seq,
		"rows", result.Rows,
		"facts", result.Facts,
		"registered", result.Registered,
		"duration", result.Duration.Round(time.Millisecond),
	)

	if in.cfg.Observer != nil {
		if err := in.cfg.Observer.ChunkCommitted(ctx, result); err != nil {
			in.logger.Warn("chunk notification failed", "chunk", result.Seq, "error", err)
		}
	}
	return nil
}

func (in *Ingestor) logSummary(res IngestResult) {
	attrs := []any{
		"lines", res.Lines,
		"observations", res.Observations,
		"chunks", res.Chunks,
		"facts", res.Facts,
		"registered", res.Registered,
		"malformed", res.Malformed,
		"filtered", res.Filtered,
	}
	if in.cfg.MalformedWarnThreshold > 0 && res.Malformed > in.cfg.MalformedWarnThreshold {
		in.logger.Warn("measurement ingestion finished with many malformed lines", attrs...)
		return
	}
	in.logger.Info("measurement ingestion finished", attrs...)
}
