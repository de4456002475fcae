package connectors

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/google/uuid"

	"github.com/sandboxws/isotope/lakemerge/pkg/operator"
)

// ParquetSinkConfig configures where and how merged output is written.
type ParquetSinkConfig struct {
	// Path is a local directory or an s3://bucket/prefix/ location.
	Path         string `mapstructure:"path"`
	Compression  string `mapstructure:"compression"`
	RowGroupSize int64  `mapstructure:"row_group_size"`
}

var codecs = map[string]compress.Compression{
	"":       compress.Codecs.Snappy,
	"snappy": compress.Codecs.Snappy,
	"zstd":   compress.Codecs.Zstd,
	"gzip":   compress.Codecs.Gzip,
	"none":   compress.Codecs.Uncompressed,
}

// ParseCompression maps a codec name to a parquet compression codec.
func ParseCompression(name string) (compress.Compression, error) {
	c, ok := codecs[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown parquet compression %q", name)
	}
	return c, nil
}

// ParquetSink writes the merged batches of one partition to a single parquet
// file named part-<partition>-<uuid>.parquet. The file is written under a
// temporary name and renamed, or uploaded, on Close.
type ParquetSink struct {
	cfg   ParquetSinkConfig
	store *ObjectStore

	ctx     context.Context
	loc     Location
	name    string
	tmpPath string
	writer  *pqarrow.FileWriter
	rows    int64
	output  string
}

// NewParquetSink creates a ParquetSink. store is only needed for s3 output.
func NewParquetSink(cfg ParquetSinkConfig, store *ObjectStore) *ParquetSink {
	return &ParquetSink{cfg: cfg, store: store}
}

func (p *ParquetSink) Open(ctx *operator.Context) error {
	loc, err := ParseLocation(p.cfg.Path)
	if err != nil {
		return fmt.Errorf("parquet sink: %w", err)
	}
	if _, err := ParseCompression(p.cfg.Compression); err != nil {
		return fmt.Errorf("parquet sink: %w", err)
	}
	if loc.Scheme == "file" {
		if err := os.MkdirAll(loc.Path, 0o755); err != nil {
			return fmt.Errorf("parquet sink: %w", err)
		}
	}
	p.ctx = ctx.Ctx
	p.loc = loc
	p.name = fmt.Sprintf("part-%05d-%s.parquet", ctx.PartitionIndex, uuid.NewString())
	return nil
}

// WriteBatch appends batch to the output file, creating it on first use.
func (p *ParquetSink) WriteBatch(batch arrow.Record) error {
	if p.writer == nil {
		if err := p.create(batch.Schema()); err != nil {
			return err
		}
	}
	if err := p.writer.Write(batch); err != nil {
		return fmt.Errorf("parquet sink: write: %w", err)
	}
	p.rows += batch.NumRows()
	return nil
}

func (p *ParquetSink) create(schema *arrow.Schema) error {
	var (
		f   *os.File
		err error
	)
	if p.loc.Scheme == "s3" {
		f, err = os.CreateTemp("", "lakemerge-*.parquet")
	} else {
		f, err = os.Create(filepath.Join(p.loc.Path, "."+p.name+".tmp"))
	}
	if err != nil {
		return fmt.Errorf("parquet sink: %w", err)
	}

	codec, _ := ParseCompression(p.cfg.Compression)
	props := []parquet.WriterProperty{parquet.WithCompression(codec)}
	if p.cfg.RowGroupSize > 0 {
		props = append(props, parquet.WithMaxRowGroupLength(p.cfg.RowGroupSize))
	}

	w, err := pqarrow.NewFileWriter(schema, f, parquet.NewWriterProperties(props...), pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("parquet sink: %w", err)
	}
	p.writer, p.tmpPath = w, f.Name()
	return nil
}

// Output returns the location of the written file, empty until Close
// completes or when no rows were written.
func (p *ParquetSink) Output() string { return p.output }

// Rows returns the number of rows written.
func (p *ParquetSink) Rows() int64 { return p.rows }

// Close finalizes the file. A partition without rows produces no file.
func (p *ParquetSink) Close() error {
	if p.writer == nil {
		return nil
	}
	// Closing the writer also closes the file.
	err := p.writer.Close()
	p.writer = nil
	if err != nil {
		os.Remove(p.tmpPath)
		return fmt.Errorf("parquet sink: close: %w", err)
	}

	if p.loc.Scheme == "s3" {
		key := path.Join(p.loc.Path, p.name)
		defer os.Remove(p.tmpPath)
		if err := p.store.Upload(p.ctx, p.loc.Bucket, key, p.tmpPath); err != nil {
			return fmt.Errorf("parquet sink: %w", err)
		}
		p.output = "s3://" + p.loc.Bucket + "/" + key
		return nil
	}

	final := filepath.Join(p.loc.Path, p.name)
	if err := os.Rename(p.tmpPath, final); err != nil {
		return fmt.Errorf("parquet sink: %w", err)
	}
	p.output = final
	return nil
}
