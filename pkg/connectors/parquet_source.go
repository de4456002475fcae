package connectors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

const defaultBatchSize = 1024

// Stream is one sorted input of a merge. Open returns a reader whose batches
// are sorted by the table's primary key; the caller releases it.
type Stream interface {
	Name() string
	Open(ctx context.Context, alloc memory.Allocator) (array.RecordReader, error)
}

// ParquetSource reads one parquet file, local or in an object store.
type ParquetSource struct {
	uri       string
	batchSize int64
	store     *ObjectStore
}

// NewParquetSource creates a ParquetSource for uri. store may be nil for
// local files.
func NewParquetSource(uri string, batchSize int64, store *ObjectStore) *ParquetSource {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &ParquetSource{uri: uri, batchSize: batchSize, store: store}
}

func (p *ParquetSource) Name() string { return p.uri }

// Open opens the file and returns a reader of batchSize-row batches.
func (p *ParquetSource) Open(ctx context.Context, alloc memory.Allocator) (array.RecordReader, error) {
	loc, err := ParseLocation(p.uri)
	if err != nil {
		return nil, err
	}

	var src parquet.ReaderAtSeeker
	switch loc.Scheme {
	case "s3":
		obj, err := p.store.Open(ctx, loc.Bucket, loc.Path)
		if err != nil {
			return nil, err
		}
		src = obj
	default:
		f, err := os.Open(loc.Path)
		if err != nil {
			return nil, fmt.Errorf("parquet source: %w", err)
		}
		src = f
	}

	rdr, err := file.NewParquetReader(src)
	if err != nil {
		closeSource(src)
		return nil, fmt.Errorf("parquet source %s: %w", p.uri, err)
	}

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: p.batchSize}, alloc)
	if err != nil {
		rdr.Close()
		return nil, fmt.Errorf("parquet source %s: %w", p.uri, err)
	}

	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		rdr.Close()
		return nil, fmt.Errorf("parquet source %s: %w", p.uri, err)
	}

	s := &parquetStream{inner: rr, file: rdr, name: p.uri}
	s.refs.Store(1)
	return s, nil
}

func closeSource(src parquet.ReaderAtSeeker) {
	if c, ok := src.(io.Closer); ok {
		c.Close()
	}
}

// parquetStream closes the underlying file once the last reference is released.
type parquetStream struct {
	inner pqarrow.RecordReader
	file  *file.Reader
	name  string
	refs  atomic.Int64
}

func (s *parquetStream) Retain() {
	s.refs.Add(1)
	s.inner.Retain()
}

func (s *parquetStream) Release() {
	s.inner.Release()
	if s.refs.Add(-1) == 0 {
		s.file.Close()
	}
}

func (s *parquetStream) Schema() *arrow.Schema { return s.inner.Schema() }
func (s *parquetStream) Next() bool            { return s.inner.Next() }
func (s *parquetStream) Record() arrow.Record  { return s.inner.Record() }

// RecordBatch mirrors Record for readers that use the newer accessor name.
func (s *parquetStream) RecordBatch() arrow.Record { return s.inner.Record() }

// Err reports read errors; reaching the end of the file is not an error.
func (s *parquetStream) Err() error {
	if err := s.inner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read %s: %w", s.name, err)
	}
	return nil
}
