package engine

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/isotope/lakemerge/pkg/connectors"
	"github.com/sandboxws/isotope/lakemerge/pkg/duckdb"
	"github.com/sandboxws/isotope/lakemerge/pkg/operators"
	"github.com/sandboxws/isotope/lakemerge/pkg/sortedmerge"
)

// Source kinds.
const (
	SourceParquet   = "parquet"
	SourceGenerator = "generator"
)

// Sink kinds.
const (
	SinkConsole = "console"
	SinkParquet = "parquet"
	SinkKafka   = "kafka"
)

const (
	defaultBatchSize   = 8192
	defaultParallelism = 4
)

// FieldSpec declares one column of the table schema.
type FieldSpec struct {
	Name     string `mapstructure:"name"`
	Type     string `mapstructure:"type"`
	Nullable bool   `mapstructure:"nullable"`
}

// ColumnOperator assigns a merge operator to a column. Columns without one
// use UseLast.
type ColumnOperator struct {
	Column   string `mapstructure:"column"`
	Operator string `mapstructure:"operator"`
}

// SourceSpec describes one sorted input stream. A parquet URI may be a
// local glob or an s3 prefix ending in "/", which expands to every file
// below it.
type SourceSpec struct {
	Kind      string                     `mapstructure:"kind"`
	URI       string                     `mapstructure:"uri"`
	Generator connectors.GeneratorConfig `mapstructure:"generator"`
}

// PartitionSpec lists the streams merged together. Streams are ordered
// oldest first; on equal keys the later stream wins under UseLast.
type PartitionSpec struct {
	Name    string       `mapstructure:"name"`
	Sources []SourceSpec `mapstructure:"sources"`
}

// SinkSpec selects where merged rows are written.
type SinkSpec struct {
	Kind    string                       `mapstructure:"kind"`
	MaxRows int64                        `mapstructure:"max_rows"`
	Parquet connectors.ParquetSinkConfig `mapstructure:"parquet"`
	Kafka   connectors.KafkaSinkConfig   `mapstructure:"kafka"`
}

// Plan describes a merge-on-read scan of one table.
type Plan struct {
	Name           string           `mapstructure:"name"`
	Schema         []FieldSpec      `mapstructure:"schema"`
	PrimaryKeys    []string         `mapstructure:"primary_keys"`
	MergeOperators []ColumnOperator `mapstructure:"merge_operators"`
	Partitions     []PartitionSpec  `mapstructure:"partitions"`

	// Filters are predicates in the filter grammar, ANDed together and
	// applied to merged rows.
	Filters []string `mapstructure:"filters"`
	// Where is a SQL boolean condition applied after Filters.
	Where string `mapstructure:"where"`
	// SQL runs over each partition's merged rows through DuckDB, which
	// needs the duckdb build tag.
	SQL        string                   `mapstructure:"sql"`
	DuckDB     duckdb.Options           `mapstructure:"duckdb"`
	Projection []operators.ProjectColumn `mapstructure:"projection"`

	BatchSize   int                          `mapstructure:"batch_size"`
	Parallelism int                          `mapstructure:"parallelism"`
	Sink        SinkSpec                     `mapstructure:"sink"`
	Store       connectors.ObjectStoreConfig `mapstructure:"store"`
}

// ApplyDefaults fills unset sizing fields.
func (p *Plan) ApplyDefaults() {
	if p.BatchSize <= 0 {
		p.BatchSize = defaultBatchSize
	}
	if p.Parallelism <= 0 {
		p.Parallelism = defaultParallelism
	}
	if p.Sink.Kind == "" {
		p.Sink.Kind = SinkConsole
	}
	for i := range p.Partitions {
		if p.Partitions[i].Name == "" {
			p.Partitions[i].Name = fmt.Sprintf("p%d", i)
		}
		for j := range p.Partitions[i].Sources {
			if p.Partitions[i].Sources[j].Kind == "" {
				p.Partitions[i].Sources[j].Kind = SourceParquet
			}
		}
	}
}

// ArrowSchema builds the table schema.
func (p *Plan) ArrowSchema() (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(p.Schema))
	for i, f := range p.Schema {
		dt, err := ParseDataType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("schema field %q: %w", f.Name, err)
		}
		fields[i] = arrow.Field{Name: f.Name, Type: dt, Nullable: f.Nullable}
	}
	return arrow.NewSchema(fields, nil), nil
}

// ColumnOperators resolves one merge operator per schema column.
func (p *Plan) ColumnOperators() ([]sortedmerge.MergeOperator, error) {
	ops := make([]sortedmerge.MergeOperator, len(p.Schema))
	index := make(map[string]int, len(p.Schema))
	for i, f := range p.Schema {
		index[f.Name] = i
	}
	for _, co := range p.MergeOperators {
		i, ok := index[co.Column]
		if !ok {
			return nil, fmt.Errorf("merge operator for unknown column %q", co.Column)
		}
		op, err := sortedmerge.ParseMergeOperator(co.Operator)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", co.Column, err)
		}
		ops[i] = op
	}
	return ops, nil
}

var dataTypes = map[string]arrow.DataType{
	"bool":      arrow.FixedWidthTypes.Boolean,
	"boolean":   arrow.FixedWidthTypes.Boolean,
	"int8":      arrow.PrimitiveTypes.Int8,
	"int16":     arrow.PrimitiveTypes.Int16,
	"int32":     arrow.PrimitiveTypes.Int32,
	"int":       arrow.PrimitiveTypes.Int32,
	"int64":     arrow.PrimitiveTypes.Int64,
	"bigint":    arrow.PrimitiveTypes.Int64,
	"uint8":     arrow.PrimitiveTypes.Uint8,
	"uint16":    arrow.PrimitiveTypes.Uint16,
	"uint32":    arrow.PrimitiveTypes.Uint32,
	"uint64":    arrow.PrimitiveTypes.Uint64,
	"float32":   arrow.PrimitiveTypes.Float32,
	"float":     arrow.PrimitiveTypes.Float32,
	"float64":   arrow.PrimitiveTypes.Float64,
	"double":    arrow.PrimitiveTypes.Float64,
	"string":    arrow.BinaryTypes.String,
	"utf8":      arrow.BinaryTypes.String,
	"binary":    arrow.BinaryTypes.Binary,
	"date32":    arrow.FixedWidthTypes.Date32,
	"date":      arrow.FixedWidthTypes.Date32,
	"timestamp": arrow.FixedWidthTypes.Timestamp_us,
}

// ParseDataType maps a schema type name to its Arrow type.
func ParseDataType(name string) (arrow.DataType, error) {
	dt, ok := dataTypes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown type %q", name)
	}
	return dt, nil
}
