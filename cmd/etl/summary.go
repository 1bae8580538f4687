package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/couchcryptid/climate-warehouse-etl/internal/domain"
	"github.com/couchcryptid/climate-warehouse-etl/internal/pipeline"
	"github.com/olekukonko/tablewriter"
)

// printSummary renders the run totals as a table.
func printSummary(w io.Writer, loaded pipeline.LoadResult, ingested pipeline.IngestResult, counts domain.WarehouseCounts, elapsed time.Duration) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetBorder(true)
	table.SetHeader([]string{"Stage", "Metric", "Value"})

	rows := []struct {
		stage, metric string
		value         int64
	}{
		{"inventory", "lines read", int64(loaded.Lines)},
		{"inventory", "stations upserted", int64(loaded.Upserted)},
		{"inventory", "malformed", int64(loaded.Malformed)},
		{"inventory", "filtered", int64(loaded.Filtered)},
		{"measurements", "lines read", int64(ingested.Lines)},
		{"measurements", "malformed", int64(ingested.Malformed)},
		{"measurements", "filtered", int64(ingested.Filtered)},
		{"measurements", "observations", int64(ingested.Observations)},
		{"measurements", "chunks committed", int64(ingested.Chunks)},
		{"measurements", "facts upserted", ingested.Facts},
		{"measurements", "stations registered", ingested.Registered},
		{"warehouse", "stations", counts.Stations},
		{"warehouse", "stations with metadata", counts.StationsWithMetadata},
		{"warehouse", "facts", counts.Facts},
		{"warehouse", "facts with value", counts.FactsWithValue},
	}
	for _, r := range rows {
		table.Append([]string{r.stage, r.metric, strconv.FormatInt(r.value, 10)})
	}
	table.SetFooter([]string{"", "elapsed", elapsed.Round(time.Millisecond).String()})
	table.Render()
	fmt.Fprintln(w)
}
