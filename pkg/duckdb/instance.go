//go:build duckdb

// Package duckdb runs SQL over merged batches with an embedded DuckDB.
package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	goduckdb "github.com/marcboeker/go-duckdb"

	"github.com/sandboxws/isotope/lakemerge/pkg/arrow/helpers"
)

// Instance is an isolated in-memory DuckDB database holding at most one
// registered Arrow view at a time. Each partition of a scan gets its own.
type Instance struct {
	db          *sql.DB
	conn        *sql.Conn
	alloc       memory.Allocator
	releaseView func()
}

// NewInstance opens an in-memory database configured by opts.
func NewInstance(ctx context.Context, alloc memory.Allocator, opts Options) (*Instance, error) {
	connector, err := goduckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("duckdb: create connector: %w", err)
	}
	db := sql.OpenDB(connector)

	// Arrow views live on one connection, so pin it.
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("duckdb: get connection: %w", err)
	}

	inst := &Instance{db: db, conn: conn, alloc: alloc}
	for _, stmt := range settings(opts) {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			inst.Close()
			return nil, fmt.Errorf("duckdb: %s: %w", stmt, err)
		}
	}
	return inst, nil
}

// Close drops the registered view and closes the database.
func (inst *Instance) Close() error {
	inst.dropView()
	if inst.conn != nil {
		inst.conn.Close()
		inst.conn = nil
	}
	if inst.db == nil {
		return nil
	}
	err := inst.db.Close()
	inst.db = nil
	return err
}

func (inst *Instance) dropView() {
	if inst.releaseView != nil {
		inst.releaseView()
		inst.releaseView = nil
	}
}

// withArrow runs fn with the Arrow interface of the pinned connection.
func (inst *Instance) withArrow(fn func(a *goduckdb.Arrow) error) error {
	return inst.conn.Raw(func(driverConn any) error {
		a, err := goduckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return fmt.Errorf("duckdb: arrow from conn: %w", err)
		}
		return fn(a)
	})
}

// RegisterView exposes batch to SQL as the view name, replacing the
// previously registered view. DuckDB scans the Arrow buffers in place.
func (inst *Instance) RegisterView(batch arrow.Record, name string) error {
	inst.dropView()

	return inst.withArrow(func(a *goduckdb.Arrow) error {
		rdr, err := array.NewRecordReader(batch.Schema(), []arrow.Record{batch})
		if err != nil {
			return fmt.Errorf("duckdb: create record reader: %w", err)
		}
		release, err := a.RegisterView(rdr, name)
		if err != nil {
			rdr.Release()
			return fmt.Errorf("duckdb: register view %s: %w", name, err)
		}
		inst.releaseView = func() {
			release()
			rdr.Release()
		}
		return nil
	})
}

// Query runs querySQL and returns its full result as one record.
func (inst *Instance) Query(ctx context.Context, querySQL string) (arrow.Record, error) {
	var result arrow.Record
	err := inst.withArrow(func(a *goduckdb.Arrow) error {
		rdr, err := a.QueryContext(ctx, querySQL)
		if err != nil {
			return fmt.Errorf("duckdb: query: %w", err)
		}
		defer rdr.Release()

		var records []arrow.Record
		for rdr.Next() {
			rec := rdr.Record()
			rec.Retain()
			records = append(records, rec)
		}
		if err := rdr.Err(); err != nil {
			releaseRecords(records)
			return fmt.Errorf("duckdb: read results: %w", err)
		}

		switch len(records) {
		case 0:
			result = helpers.EmptyRecord(inst.alloc, rdr.Schema())
			return nil
		case 1:
			result = records[0]
			return nil
		}
		defer releaseRecords(records)
		result, err = concatenateRecords(inst.alloc, records)
		return err
	})
	return result, err
}

func releaseRecords(records []arrow.Record) {
	for _, r := range records {
		r.Release()
	}
}

// concatenateRecords merges records sharing one schema column by column.
func concatenateRecords(alloc memory.Allocator, records []arrow.Record) (arrow.Record, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records to concatenate")
	}

	schema := records[0].Schema()
	numCols := int(records[0].NumCols())

	var totalRows int64
	for _, r := range records {
		totalRows += r.NumRows()
	}

	cols := make([]arrow.Array, numCols)
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()

	parts := make([]arrow.Array, len(records))
	for col := 0; col < numCols; col++ {
		for i, rec := range records {
			parts[i] = rec.Column(col)
		}
		merged, err := array.Concatenate(parts, alloc)
		if err != nil {
			return nil, fmt.Errorf("concatenate column %q: %w", schema.Field(col).Name, err)
		}
		cols[col] = merged
	}

	return array.NewRecord(schema, cols, totalRows), nil
}
