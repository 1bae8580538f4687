package pipeline

import "fmt"

// Chunk transaction stages, reported in ChunkError.
const (
	StageBegin    = "begin"
	StageBulkLoad = "bulk_load"
	StageLookup   = "station_lookup"
	StageRegister = "register_stations"
	StageUpsert   = "aggregate_upsert"
	StageCommit   = "commit"
)

// ChunkError reports a chunk whose transaction was rolled back. Nothing from the
// chunk is visible in the store; re-applying the same chunk is safe.
type ChunkError struct {
	Seq   int
	Rows  int
	Stage string
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d (rows=%d) failed at %s: %v", e.Seq, e.Rows, e.Stage, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }
