package sortedmerge

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// copyRun copies rows [start, end) of one source.
type copyRun struct {
	source int
	start  int
	end    int
}

// copyPlan is the ordered list of runs that assembles one output array.
// Sources are indexed into the slice handed to execute; nullSource denotes
// a run of nulls.
type copyPlan struct {
	runs       []copyRun
	nullSource int
}

func newCopyPlan(nullSource, capacity int) *copyPlan {
	return &copyPlan{runs: make([]copyRun, 0, capacity), nullSource: nullSource}
}

// add appends row of source, extending the last run when contiguous.
func (p *copyPlan) add(source, row int) {
	if n := len(p.runs); n > 0 {
		last := &p.runs[n-1]
		if last.source == source && last.end == row {
			last.end++
			return
		}
	}
	p.runs = append(p.runs, copyRun{source: source, start: row, end: row + 1})
}

// rows returns the number of rows the plan produces.
func (p *copyPlan) rows() int {
	n := 0
	for _, r := range p.runs {
		n += r.end - r.start
	}
	return n
}

// execute materializes the plan. Slices of existing arrays share their
// buffers; only null runs and multi-run plans allocate.
func (p *copyPlan) execute(mem memory.Allocator, dt arrow.DataType, sources []arrow.Array) (arrow.Array, error) {
	if len(p.runs) == 0 {
		return array.MakeArrayOfNull(mem, dt, 0), nil
	}

	pieces := make([]arrow.Array, 0, len(p.runs))
	defer func() {
		for _, piece := range pieces {
			piece.Release()
		}
	}()

	for _, r := range p.runs {
		if r.source == p.nullSource {
			pieces = append(pieces, array.MakeArrayOfNull(mem, dt, r.end-r.start))
			continue
		}
		if r.source < 0 || r.source >= len(sources) || sources[r.source] == nil {
			return nil, fmt.Errorf("%w: copy run references unknown source %d", ErrArrayAssembly, r.source)
		}
		src := sources[r.source]
		if !arrow.TypeEqual(src.DataType(), dt) {
			return nil, fmt.Errorf("%w: source type %s does not match column type %s", ErrArrayAssembly, src.DataType(), dt)
		}
		if r.end > src.Len() {
			return nil, fmt.Errorf("%w: run [%d, %d) exceeds source length %d", ErrArrayAssembly, r.start, r.end, src.Len())
		}
		pieces = append(pieces, array.NewSlice(src, int64(r.start), int64(r.end)))
	}

	if len(pieces) == 1 {
		out := pieces[0]
		out.Retain()
		return out, nil
	}
	out, err := array.Concatenate(pieces, mem)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArrayAssembly, err)
	}
	return out, nil
}
