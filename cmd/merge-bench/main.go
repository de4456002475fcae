// Command merge-bench measures merge throughput over synthetic sorted
// streams, driving the merger directly without the plan layer.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/lakemerge/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/lakemerge/pkg/connectors"
	"github.com/sandboxws/isotope/lakemerge/pkg/sortedmerge"
)

func main() {
	numStreams := flag.Int("streams", 4, "number of sorted input streams")
	rows := flag.Int64("rows", 1_000_000, "rows per stream")
	batchSize := flag.Int("batch", 8192, "input and output batch size")
	repeat := flag.Int("repeat", 1, "rows per key within one stream")
	nullRate := flag.Float64("null-rate", 0.1, "fraction of null values in nullable columns")
	scoreOp := flag.String("score-op", "UseLast", "merge operator for the score column")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "score", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "updated_at", Type: arrow.FixedWidthTypes.Timestamp_us, Nullable: true},
	}, nil)

	op, err := sortedmerge.ParseMergeOperator(*scoreOp)
	if err != nil {
		slog.Error("invalid merge operator", "error", err)
		os.Exit(1)
	}

	alloc := helpers.NewTrackingAllocator(memory.DefaultAllocator)

	// Stream i holds every (i+1)-th key, so low keys overlap in many streams.
	readers := make([]array.RecordReader, 0, *numStreams)
	for i := 0; i < *numStreams; i++ {
		gen, err := connectors.NewSortedGenerator(schema, connectors.GeneratorConfig{
			Key:       "id",
			Rows:      *rows,
			Step:      int64(i + 1),
			Repeat:    *repeat,
			BatchSize: *batchSize,
			NullRate:  *nullRate,
			Tag:       "s",
			Seed:      uint64(i),
		})
		if err != nil {
			slog.Error("generator", "error", err)
			os.Exit(1)
		}
		rr, err := gen.Open(ctx, alloc)
		if err != nil {
			slog.Error("generator", "error", err)
			os.Exit(1)
		}
		readers = append(readers, rr)
	}

	merger, err := sortedmerge.NewMerger(sortedmerge.Config{
		Schema:          schema,
		SortKey:         []string{"id"},
		TargetBatchSize: *batchSize,
		Operators:       []sortedmerge.MergeOperator{sortedmerge.UseLast, sortedmerge.UseLast, op, sortedmerge.UseLastNotNull},
		Alloc:           alloc,
	}, readers)
	if err != nil {
		for _, r := range readers {
			r.Release()
		}
		slog.Error("create merger", "error", err)
		os.Exit(1)
	}

	slog.Info("starting merge benchmark",
		"streams", *numStreams,
		"rows_per_stream", *rows,
		"batch_size", *batchSize,
		"score_op", op)

	start := time.Now()
	lastReport := start
	var lastRows int64
	for ctx.Err() == nil {
		batch, err := merger.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Error("merge failed", "error", err)
			merger.Close()
			os.Exit(1)
		}
		batch.Release()

		if now := time.Now(); now.Sub(lastReport) >= time.Second {
			stats := merger.Stats()
			slog.Info("throughput",
				"rows_in/sec", float64(stats.RowsIn-lastRows)/now.Sub(lastReport).Seconds(),
				"rows_out", stats.RowsOut,
				"mem_bytes", alloc.CurrentUsed())
			lastRows = stats.RowsIn
			lastReport = now
		}
	}

	stats := merger.Stats()
	merger.Close()
	elapsed := time.Since(start)

	slog.Info("benchmark finished",
		"elapsed", elapsed,
		"rows_in", stats.RowsIn,
		"rows_out", stats.RowsOut,
		"rows_in/sec", float64(stats.RowsIn)/elapsed.Seconds(),
		"ranges", stats.RangesSurfaced,
		"copy_runs", stats.CopyRuns,
		"batches", stats.Batches,
		"peak_bytes", alloc.Peak())

	if err := alloc.CheckReleased(); err != nil {
		slog.Error("memory leak", "error", err)
		os.Exit(1)
	}
}
