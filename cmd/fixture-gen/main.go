// Command fixture-gen writes generations of a sorted table as parquet files
// for local merge testing. Generation g holds keys [g*offset, g*offset+rows),
// so consecutive generations overlap, and is written to <out>/gen-<g>/.
//
// Schema: { id int64, name string, score float64, active bool, updated_at timestamp }
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/lakemerge/pkg/connectors"
	"github.com/sandboxws/isotope/lakemerge/pkg/operator"
)

var schema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "score", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "active", Type: arrow.FixedWidthTypes.Boolean, Nullable: true},
	{Name: "updated_at", Type: arrow.FixedWidthTypes.Timestamp_us, Nullable: true},
}, nil)

func main() {
	out := flag.String("out", "fixtures", "output directory or s3://bucket/prefix")
	generations := flag.Int("generations", 3, "number of overlapping generations")
	rows := flag.Int64("rows", 100_000, "rows per generation")
	offset := flag.Int64("offset", 50_000, "key offset between generations")
	nullRate := flag.Float64("null-rate", 0.05, "fraction of null values")
	compression := flag.String("compression", "snappy", "parquet codec: snappy, zstd, gzip, none")
	endpoint := flag.String("s3-endpoint", os.Getenv("LAKEMERGE_SCAN_STORE_ENDPOINT"), "S3 endpoint for s3:// output")
	accessKey := flag.String("s3-access-key", os.Getenv("LAKEMERGE_SCAN_STORE_ACCESS_KEY"), "S3 access key")
	secretKey := flag.String("s3-secret-key", os.Getenv("LAKEMERGE_SCAN_STORE_SECRET_KEY"), "S3 secret key")
	flag.Parse()

	store, err := connectors.NewObjectStore(connectors.ObjectStoreConfig{
		Endpoint:  *endpoint,
		AccessKey: *accessKey,
		SecretKey: *secretKey,
	})
	if err != nil {
		slog.Error("object store", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	var dirs []string
	for g := 0; g < *generations; g++ {
		dir := joinLocation(*out, fmt.Sprintf("gen-%02d", g))
		gen, err := connectors.NewSortedGenerator(schema, connectors.GeneratorConfig{
			Key:      "id",
			Rows:     *rows,
			Start:    int64(g) * *offset,
			NullRate: *nullRate,
			Tag:      fmt.Sprintf("g%d", g),
			Seed:     uint64(g),
		})
		if err != nil {
			slog.Error("generator", "error", err)
			os.Exit(1)
		}
		sink := connectors.NewParquetSink(connectors.ParquetSinkConfig{
			Path:        dir,
			Compression: *compression,
		}, store)

		written, err := write(ctx, gen, sink)
		if err != nil {
			slog.Error("write generation failed", "generation", g, "error", err)
			os.Exit(1)
		}
		slog.Info("wrote generation", "generation", g, "rows", written, "file", sink.Output())
		dirs = append(dirs, dir)
	}

	printPlan(dirs)
}

func write(ctx context.Context, gen *connectors.SortedGenerator, sink *connectors.ParquetSink) (int64, error) {
	alloc := memory.DefaultAllocator
	if err := sink.Open(operator.NewContext(ctx, alloc, "fixture", "parquet")); err != nil {
		return 0, err
	}
	rr, err := gen.Open(ctx, alloc)
	if err != nil {
		sink.Close()
		return 0, err
	}
	defer rr.Release()

	for rr.Next() {
		if err := sink.WriteBatch(rr.Record()); err != nil {
			sink.Close()
			return 0, err
		}
	}
	if err := sink.Close(); err != nil {
		return 0, err
	}
	return sink.Rows(), nil
}

func joinLocation(base, elem string) string {
	if strings.HasPrefix(base, "s3://") {
		return strings.TrimSuffix(base, "/") + "/" + elem + "/"
	}
	return path.Join(base, elem)
}

// printPlan writes a scan section that merges the generations, oldest first.
func printPlan(dirs []string) {
	var b strings.Builder
	b.WriteString("scan:\n  name: fixtures\n  schema:\n")
	for _, f := range schema.Fields() {
		fmt.Fprintf(&b, "    - {name: %s, type: %s, nullable: %t}\n", f.Name, typeName(f.Type), f.Nullable)
	}
	b.WriteString("  primary_keys: [id]\n  partitions:\n    - sources:\n")
	for _, d := range dirs {
		uri := d
		if !strings.HasPrefix(d, "s3://") {
			uri = path.Join(d, "*.parquet")
		}
		fmt.Fprintf(&b, "        - uri: %q\n", uri)
	}
	fmt.Print(b.String())
}

func typeName(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.TIMESTAMP:
		return "timestamp"
	case arrow.BOOL:
		return "bool"
	default:
		return dt.Name()
	}
}
