package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/couchcryptid/climate-warehouse-etl/internal/domain"
	"github.com/couchcryptid/climate-warehouse-etl/internal/observability"
	"github.com/jellydator/ttlcache/v3"
)

// ChunkTx is the transactional surface a single chunk is applied through. The
// staging area written by BulkLoad is private to the transaction and disappears
// when it ends.
type ChunkTx interface {
	// BulkLoad appends raw observations to the staging area.
	BulkLoad(ctx context.Context, rows []domain.Observation) (int64, error)
	// StationsExist returns the subset of ids present in the station dimension.
	StationsExist(ctx context.Context, ids []string) (map[string]struct{}, error)
	// RegisterStations inserts ids with no metadata, ignoring ids that already exist.
	RegisterStations(ctx context.Context, ids []string) (int64, error)
	// AggregateAndUpsertFacts groups staged rows by key, keeps the maximum
	// concrete value, and inserts or overwrites the fact rows.
	AggregateAndUpsertFacts(ctx context.Context) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ChunkBeginner opens chunk transactions.
type ChunkBeginner interface {
	BeginChunk(ctx context.Context) (ChunkTx, error)
}

// ChunkResult summarizes a committed chunk.
type ChunkResult struct {
	Seq        int           `json:"seq"`
	Rows       int           `json:"rows"`
	Registered int64         `json:"stations_registered"`
	Facts      int64         `json:"facts_upserted"`
	Duration   time.Duration `json:"duration_ns"`
}

// Stager applies one chunk as a single all-or-nothing transaction:
// stage, look up and register unknown stations, aggregate, upsert, commit.
type Stager struct {
	store   ChunkBeginner
	known   *ttlcache.Cache[string, struct{}]
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewStager creates a Stager. cacheSize bounds the set of station ids remembered
// from committed chunks; zero disables the cache so every chunk asks the store.
func NewStager(store ChunkBeginner, cacheSize int, logger *slog.Logger, metrics *observability.Metrics) *Stager {
	s := &Stager{store: store, logger: logger, metrics: metrics}
	if cacheSize > 0 {
		s.known = ttlcache.New[string, struct{}](
			ttlcache.WithCapacity[string, struct{}](uint64(cacheSize)),
		)
	}
	return s
}

// Apply runs the chunk transaction. On any failure the transaction is rolled
// back and a *ChunkError is returned.
func (s *Stager) Apply(ctx context.Context, chunk domain.Chunk) (ChunkResult, error) {
	res := ChunkResult{Seq: chunk.Seq, Rows: chunk.Len()}

	tx, err := s.store.BeginChunk(ctx)
	if err != nil {
		return res, &ChunkError{Seq: chunk.Seq, Rows: chunk.Len(), Stage: StageBegin, Err: err}
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		// The caller's context may already be cancelled; the rollback must still run.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			s.logger.Warn("chunk rollback failed", "chunk", chunk.Seq, "error", rbErr)
		}
	}()

	fail := func(stage string, err error) (ChunkResult, error) {
		return res, &ChunkError{Seq: chunk.Seq, Rows: chunk.Len(), Stage: stage, Err: err}
	}

	if _, err := tx.BulkLoad(ctx, chunk.Observations); err != nil {
		return fail(StageBulkLoad, err)
	}

	ids := chunk.StationIDs()
	missing, err := s.missingStations(ctx, tx, ids)
	if err != nil {
		return fail(StageLookup, err)
	}
	var registered int64
	if len(missing) > 0 {
		registered, err = tx.RegisterStations(ctx, missing)
		if err != nil {
			return fail(StageRegister, err)
		}
		s.logger.Debug("registered unknown stations", "count", registered, "first", missing[0])
	}

	facts, err := tx.AggregateAndUpsertFacts(ctx)
	if err != nil {
		return fail(StageUpsert, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(StageCommit, err)
	}
	committed = true

	// Only committed ids are remembered; a rolled back registration must be retried.
	if s.known != nil {
		for _, id := range ids {
			s.known.Set(id, struct{}{}, ttlcache.DefaultTTL)
		}
	}

	res.Registered = registered
	res.Facts = facts
	return res, nil
}

// missingStations returns the ids in ids that the station dimension lacks.
// Ids remembered from committed chunks skip the lookup.
func (s *Stager) missingStations(ctx context.Context, tx ChunkTx, ids []string) ([]string, error) {
	unknown := make([]string, 0, len(ids))
	for _, id := range ids {
		if s.known != nil && s.known.Has(id) {
			s.metrics.StationCache.WithLabelValues("hit").Inc()
			continue
		}
		s.metrics.StationCache.WithLabelValues("miss").Inc()
		unknown = append(unknown, id)
	}
	if len(unknown) == 0 {
		return nil, nil
	}

	existing, err := tx.StationsExist(ctx, unknown)
	if err != nil {
		return nil, err
	}
	missing := make([]string, 0, len(unknown))
	for _, id := range unknown {
		if _, ok := existing[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
