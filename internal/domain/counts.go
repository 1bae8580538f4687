package domain

// WarehouseCounts summarizes the dimension and fact tables after a run.
type WarehouseCounts struct {
	Stations             int64
	StationsWithMetadata int64
	Facts                int64
	FactsWithValue       int64
}
