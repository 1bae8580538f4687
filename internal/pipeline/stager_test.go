package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"testing"

	"github.com/couchcryptid/climate-warehouse-etl/internal/domain"
	"github.com/couchcryptid/climate-warehouse-etl/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockStore struct {
	stations map[string]struct{}
	txs      []*mockTx
	beginErr error
	// failAt makes the named stage of every transaction fail.
	failAt string
}

func newMockStore(known ...string) *mockStore {
	s := &mockStore{stations: map[string]struct{}{}}
	for _, id := range known {
		s.stations[id] = struct{}{}
	}
	return s
}

func (s *mockStore) BeginChunk(context.Context) (pipeline.ChunkTx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	tx := &mockTx{store: s}
	s.txs = append(s.txs, tx)
	return tx, nil
}

type mockTx struct {
	store       *mockStore
	staged      []domain.Observation
	existQuery  []string
	registered  []string
	committed   bool
	rolledBack  bool
	rollbackCtx context.Context
}

func (tx *mockTx) fail(stage string) error {
	if tx.store.failAt == stage {
		return errors.New(stage + " exploded")
	}
	return nil
}

func (tx *mockTx) BulkLoad(_ context.Context, rows []domain.Observation) (int64, error) {
	if err := tx.fail(pipeline.StageBulkLoad); err != nil {
		return 0, err
	}
	tx.staged = append(tx.staged, rows...)
	return int64(len(rows)), nil
}

func (tx *mockTx) StationsExist(_ context.Context, ids []string) (map[string]struct{}, error) {
	if err := tx.fail(pipeline.StageLookup); err != nil {
		return nil, err
	}
	tx.existQuery = slices.Clone(ids)
	out := map[string]struct{}{}
	for _, id := range ids {
		if _, ok := tx.store.stations[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (tx *mockTx) RegisterStations(_ context.Context, ids []string) (int64, error) {
	if err := tx.fail(pipeline.StageRegister); err != nil {
		return 0, err
	}
	tx.registered = slices.Clone(ids)
	return int64(len(ids)), nil
}

func (tx *mockTx) AggregateAndUpsertFacts(context.Context) (int64, error) {
	if err := tx.fail(pipeline.StageUpsert); err != nil {
		return 0, err
	}
	return int64(len(domain.AggregateMax(tx.staged))), nil
}

func (tx *mockTx) Commit(context.Context) error {
	if err := tx.fail(pipeline.StageCommit); err != nil {
		return err
	}
	for _, id := range tx.registered {
		tx.store.stations[id] = struct{}{}
	}
	tx.committed = true
	return nil
}

func (tx *mockTx) Rollback(ctx context.Context) error {
	tx.rolledBack = true
	tx.rollbackCtx = ctx
	return nil
}

func obs(id string, year, month int, v float64) domain.Observation {
	return domain.Observation{
		ObservationKey: domain.ObservationKey{StationID: id, Year: year, Month: month},
		Value:          &v,
	}
}

// --- tests ---

func TestStager_Apply_HappyPath(t *testing.T) {
	store := newMockStore("USW00094728")
	s := pipeline.NewStager(store, 100, slog.Default(), newTestMetrics())

	chunk := domain.Chunk{Seq: 7, Observations: []domain.Observation{
		obs("USW00094728", 2000, 1, 5),
		obs("USW00094728", 2000, 1, 7),
		obs("AQ000WXYZ", 2000, 1, 1),
	}}
	res, err := s.Apply(context.Background(), chunk)
	require.NoError(t, err)

	assert.Equal(t, 7, res.Seq)
	assert.Equal(t, 3, res.Rows)
	assert.EqualValues(t, 1, res.Registered)
	assert.EqualValues(t, 2, res.Facts)

	require.Len(t, store.txs, 1)
	tx := store.txs[0]
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	assert.Equal(t, []string{"AQ000WXYZ"}, tx.registered)
	assert.Contains(t, store.stations, "AQ000WXYZ")
}

func TestStager_Apply_CachesCommittedStations(t *testing.T) {
	store := newMockStore()
	s := pipeline.NewStager(store, 100, slog.Default(), newTestMetrics())
	chunk := domain.Chunk{Seq: 1, Observations: []domain.Observation{obs("AQ000WXYZ", 2000, 1, 1)}}

	_, err := s.Apply(context.Background(), chunk)
	require.NoError(t, err)
	res, err := s.Apply(context.Background(), chunk)
	require.NoError(t, err)

	assert.Zero(t, res.Registered)
	require.Len(t, store.txs, 2)
	assert.Nil(t, store.txs[1].existQuery, "cached ids skip the existence query")
}

func TestStager_Apply_NoCacheQueriesEveryChunk(t *testing.T) {
	store := newMockStore()
	s := pipeline.NewStager(store, 0, slog.Default(), newTestMetrics())
	chunk := domain.Chunk{Seq: 1, Observations: []domain.Observation{obs("AQ000WXYZ", 2000, 1, 1)}}

	_, err := s.Apply(context.Background(), chunk)
	require.NoError(t, err)
	res, err := s.Apply(context.Background(), chunk)
	require.NoError(t, err)

	assert.Zero(t, res.Registered)
	assert.Equal(t, []string{"AQ000WXYZ"}, store.txs[1].existQuery)
	assert.Nil(t, store.txs[1].registered)
}

func TestStager_Apply_RollsBackOnFailure(t *testing.T) {
	stages := []string{
		pipeline.StageBulkLoad,
		pipeline.StageLookup,
		pipeline.StageRegister,
		pipeline.StageUpsert,
		pipeline.StageCommit,
	}
	for _, stage := range stages {
		t.Run(stage, func(t *testing.T) {
			store := newMockStore()
			store.failAt = stage
			s := pipeline.NewStager(store, 100, slog.Default(), newTestMetrics())
			chunk := domain.Chunk{Seq: 3, Observations: []domain.Observation{obs("AQ000WXYZ", 2000, 1, 1)}}

			_, err := s.Apply(context.Background(), chunk)
			require.Error(t, err)

			var chunkErr *pipeline.ChunkError
			require.ErrorAs(t, err, &chunkErr)
			assert.Equal(t, stage, chunkErr.Stage)
			assert.Equal(t, 3, chunkErr.Seq)
			assert.Equal(t, 1, chunkErr.Rows)

			require.Len(t, store.txs, 1)
			assert.True(t, store.txs[0].rolledBack)
			assert.NotContains(t, store.stations, "AQ000WXYZ")
		})
	}
}

func TestStager_Apply_FailedRegistrationIsNotCached(t *testing.T) {
	store := newMockStore()
	store.failAt = pipeline.StageUpsert
	s := pipeline.NewStager(store, 100, slog.Default(), newTestMetrics())
	chunk := domain.Chunk{Seq: 1, Observations: []domain.Observation{obs("AQ000WXYZ", 2000, 1, 1)}}

	_, err := s.Apply(context.Background(), chunk)
	require.Error(t, err)

	store.failAt = ""
	res, err := s.Apply(context.Background(), chunk)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Registered)
}

func TestStager_Apply_BeginFailure(t *testing.T) {
	store := newMockStore()
	store.beginErr = errors.New("too many connections")
	s := pipeline.NewStager(store, 100, slog.Default(), newTestMetrics())

	_, err := s.Apply(context.Background(), domain.Chunk{Seq: 1})
	var chunkErr *pipeline.ChunkError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, pipeline.StageBegin, chunkErr.Stage)
	assert.ErrorContains(t, err, "too many connections")
}

func TestStager_Apply_RollbackSurvivesCancellation(t *testing.T) {
	store := newMockStore()
	store.failAt = pipeline.StageUpsert
	s := pipeline.NewStager(store, 100, slog.Default(), newTestMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Apply(ctx, domain.Chunk{Seq: 1, Observations: []domain.Observation{obs("A", 2000, 1, 1)}})
	require.Error(t, err)

	require.Len(t, store.txs, 1)
	assert.True(t, store.txs[0].rolledBack)
	assert.NoError(t, store.txs[0].rollbackCtx.Err())
}
