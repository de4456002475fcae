package connectors

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/isotope/lakemerge/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/lakemerge/pkg/operator"
)

// consoleMu serializes tables printed by the partitions of a scan.
var consoleMu sync.Mutex

// Console prints merged batches as formatted tables.
type Console struct {
	maxRows int64
	writer  io.Writer
	printed int64
	total   int64
	label   string
}

// NewConsole creates a Console sink that prints at most maxRows rows in
// total; zero prints everything.
func NewConsole(maxRows int64) *Console {
	return &Console{maxRows: maxRows, writer: os.Stdout}
}

// SetWriter overrides the output writer (default: os.Stdout).
func (c *Console) SetWriter(w io.Writer) { c.writer = w }

func (c *Console) Open(ctx *operator.Context) error {
	if ctx.Partitions > 1 {
		c.label = fmt.Sprintf("partition %d/%d", ctx.PartitionIndex+1, ctx.Partitions)
	}
	return nil
}

func (c *Console) WriteBatch(batch arrow.Record) error {
	c.total += batch.NumRows()
	numRows := batch.NumRows()
	if c.maxRows > 0 {
		numRows = min(numRows, c.maxRows-c.printed)
	}
	if numRows <= 0 {
		return nil
	}

	schema := batch.Schema()
	numCols := schema.NumFields()

	// Calculate column widths.
	widths := make([]int, numCols)
	for i := 0; i < numCols; i++ {
		widths[i] = len(schema.Field(i).Name)
	}
	for row := 0; row < int(numRows); row++ {
		for col := 0; col < numCols; col++ {
			widths[col] = max(widths[col], len(formatValue(batch.Column(col), row)))
		}
	}

	header := helpers.ColumnNames(batch)

	consoleMu.Lock()
	defer consoleMu.Unlock()

	if c.label != "" {
		fmt.Fprintf(c.writer, "-- %s\n", c.label)
	}
	c.printRow(header, widths)
	c.printSeparator(widths)
	cells := make([]string, numCols)
	for row := 0; row < int(numRows); row++ {
		for col := range cells {
			cells[col] = formatValue(batch.Column(col), row)
		}
		c.printRow(cells, widths)
	}
	fmt.Fprintln(c.writer)

	c.printed += numRows
	return nil
}

// Close reports rows that were merged but not printed.
func (c *Console) Close() error {
	if c.total > c.printed {
		consoleMu.Lock()
		fmt.Fprintf(c.writer, "... (%d more rows)\n", c.total-c.printed)
		consoleMu.Unlock()
	}
	return nil
}

func (c *Console) printRow(cells []string, widths []int) {
	var sb strings.Builder
	sb.WriteString("| ")
	for i, cell := range cells {
		if i > 0 {
			sb.WriteString(" | ")
		}
		sb.WriteString(padRight(cell, widths[i]))
	}
	sb.WriteString(" |")
	fmt.Fprintln(c.writer, sb.String())
}

func (c *Console) printSeparator(widths []int) {
	var sb strings.Builder
	sb.WriteString("|-")
	for i, w := range widths {
		if i > 0 {
			sb.WriteString("-|-")
		}
		sb.WriteString(strings.Repeat("-", w))
	}
	sb.WriteString("-|")
	fmt.Fprintln(c.writer, sb.String())
}

func formatValue(arr arrow.Array, row int) string {
	if arr.IsNull(row) {
		return "NULL"
	}
	switch a := arr.(type) {
	case *array.Int64:
		return strconv.FormatInt(a.Value(row), 10)
	case *array.Int32:
		return strconv.FormatInt(int64(a.Value(row)), 10)
	case *array.Int16:
		return strconv.FormatInt(int64(a.Value(row)), 10)
	case *array.Int8:
		return strconv.FormatInt(int64(a.Value(row)), 10)
	case *array.Uint64:
		return strconv.FormatUint(a.Value(row), 10)
	case *array.Uint32:
		return strconv.FormatUint(uint64(a.Value(row)), 10)
	case *array.Float64:
		return fmt.Sprintf("%.4f", a.Value(row))
	case *array.Float32:
		return fmt.Sprintf("%.4f", a.Value(row))
	case *array.String:
		return a.Value(row)
	case *array.LargeString:
		return a.Value(row)
	case *array.Boolean:
		return strconv.FormatBool(a.Value(row))
	default:
		// Dates, timestamps and binaries.
		return arr.ValueStr(row)
	}
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
