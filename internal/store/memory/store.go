// Package memory is an in-process warehouse with the same transactional
// semantics as the Postgres store. It backs unit tests and dry runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/couchcryptid/climate-warehouse-etl/internal/domain"
	"github.com/couchcryptid/climate-warehouse-etl/internal/pipeline"
)

// StageUpsertStations names the inventory upsert for failure injection. Chunk
// stages use the pipeline.Stage* names.
const StageUpsertStations = "upsert_stations"

// ErrTxDone is returned by operations on a committed or rolled back transaction.
var ErrTxDone = errors.New("transaction already closed")

// Fact is a stored fact row.
type Fact struct {
	Value    *float64
	SourceID int32
}

// Store keeps the warehouse in maps guarded by a mutex. Chunk transactions
// buffer their writes and publish them atomically on commit.
type Store struct {
	mu       sync.Mutex
	stations map[string]domain.Station
	facts    map[domain.ObservationKey]Fact
	sources  map[string]int32
	sourceID int32
	fail     func(stage string) error
}

func New() *Store {
	return &Store{
		stations: make(map[string]domain.Station),
		facts:    make(map[domain.ObservationKey]Fact),
		sources:  make(map[string]int32),
	}
}

// InjectFailure installs a hook consulted at every stage; a non-nil return
// fails that stage. Passing nil clears it.
func (s *Store) InjectFailure(f func(stage string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = f
}

func (s *Store) check(stage string) error {
	s.mu.Lock()
	f := s.fail
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f(stage)
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

// EnsureSchema is a no-op; the maps are the schema.
func (s *Store) EnsureSchema(context.Context) error { return nil }

// EnsureSource returns the id for name, creating it on first use, and tags
// facts written afterwards with it.
func (s *Store) EnsureSource(_ context.Context, name, _ string) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sources[name]
	if !ok {
		id = int32(len(s.sources) + 1)
		s.sources[name] = id
	}
	s.sourceID = id
	return id, nil
}

// UpsertStations writes the batch atomically, replacing every field of
// existing rows.
func (s *Store) UpsertStations(_ context.Context, stations []domain.Station) error {
	if err := s.check(StageUpsertStations); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range stations {
		s.stations[st.ID] = cloneStation(st)
	}
	return nil
}

// StationIDs returns the ids of stations in country, or every id when country
// is empty.
func (s *Store) StationIDs(_ context.Context, country string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.stations))
	for id, st := range s.stations {
		if country == "" || (st.CountryCode != nil && *st.CountryCode == country) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) Counts(context.Context) (domain.WarehouseCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := domain.WarehouseCounts{
		Stations: int64(len(s.stations)),
		Facts:    int64(len(s.facts)),
	}
	for _, st := range s.stations {
		if st.HasMetadata() {
			c.StationsWithMetadata++
		}
	}
	for _, f := range s.facts {
		if f.Value != nil {
			c.FactsWithValue++
		}
	}
	return c, nil
}

// Station returns a copy of the stored station.
func (s *Store) Station(id string) (domain.Station, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[id]
	return cloneStation(st), ok
}

// Fact returns the stored fact for key.
func (s *Store) Fact(key domain.ObservationKey) (Fact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[key]
	return f, ok
}

// Facts returns a copy of every stored fact.
func (s *Store) Facts() map[domain.ObservationKey]Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.facts)
}

// BeginChunk opens a chunk transaction.
func (s *Store) BeginChunk(context.Context) (pipeline.ChunkTx, error) {
	if err := s.check(pipeline.StageBegin); err != nil {
		return nil, err
	}
	return &chunkTx{store: s, registered: make(map[string]struct{})}, nil
}

type chunkTx struct {
	store      *Store
	staged     []domain.Observation
	registered map[string]struct{}
	pending    []domain.Observation
	done       bool
}

func (tx *chunkTx) BulkLoad(_ context.Context, rows []domain.Observation) (int64, error) {
	if tx.done {
		return 0, ErrTxDone
	}
	if err := tx.store.check(pipeline.StageBulkLoad); err != nil {
		return 0, err
	}
	for _, o := range rows {
		if o.Value != nil {
			v := *o.Value
			o.Value = &v
		}
		tx.staged = append(tx.staged, o)
	}
	return int64(len(rows)), nil
}

func (tx *chunkTx) StationsExist(_ context.Context, ids []string) (map[string]struct{}, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if err := tx.store.check(pipeline.StageLookup); err != nil {
		return nil, err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	out := make(map[string]struct{})
	for _, id := range ids {
		_, committed := tx.store.stations[id]
		_, pending := tx.registered[id]
		if committed || pending {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (tx *chunkTx) RegisterStations(_ context.Context, ids []string) (int64, error) {
	if tx.done {
		return 0, ErrTxDone
	}
	if err := tx.store.check(pipeline.StageRegister); err != nil {
		return 0, err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := tx.store.stations[id]; ok {
			continue
		}
		if _, ok := tx.registered[id]; ok {
			continue
		}
		tx.registered[id] = struct{}{}
		n++
	}
	return n, nil
}

func (tx *chunkTx) AggregateAndUpsertFacts(context.Context) (int64, error) {
	if tx.done {
		return 0, ErrTxDone
	}
	if err := tx.store.check(pipeline.StageUpsert); err != nil {
		return 0, err
	}
	tx.pending = domain.AggregateMax(tx.staged)
	return int64(len(tx.pending)), nil
}

func (tx *chunkTx) Commit(context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	if err := tx.store.check(pipeline.StageCommit); err != nil {
		return err
	}
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range tx.pending {
		_, committed := s.stations[o.StationID]
		_, registered := tx.registered[o.StationID]
		if !committed && !registered {
			return fmt.Errorf("fact %s/%d/%d references unknown station", o.StationID, o.Year, o.Month)
		}
	}
	for id := range tx.registered {
		if _, ok := s.stations[id]; !ok {
			s.stations[id] = domain.Station{ID: id}
		}
	}
	for _, o := range tx.pending {
		s.facts[o.ObservationKey] = Fact{Value: o.Value, SourceID: s.sourceID}
	}
	tx.done = true
	return nil
}

func (tx *chunkTx) Rollback(context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.staged = nil
	tx.pending = nil
	return nil
}

func cloneStation(st domain.Station) domain.Station {
	return domain.Station{
		ID:          st.ID,
		Latitude:    clonePtr(st.Latitude),
		Longitude:   clonePtr(st.Longitude),
		Elevation:   clonePtr(st.Elevation),
		CountryCode: clonePtr(st.CountryCode),
		Name:        clonePtr(st.Name),
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
