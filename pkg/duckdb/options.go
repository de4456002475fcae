package duckdb

import "fmt"

const defaultMemoryLimit = 256 << 20

// Options tune one embedded database.
type Options struct {
	// MemoryLimit caps DuckDB memory in bytes; 0 means 256MB.
	MemoryLimit int64 `mapstructure:"memory_limit"`
	// Threads caps DuckDB worker threads; 0 keeps the DuckDB default.
	Threads int `mapstructure:"threads"`
}

// settings returns the SET statements applied to a fresh database.
func settings(opts Options) []string {
	limit := opts.MemoryLimit
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	stmts := []string{fmt.Sprintf("SET memory_limit='%dMB'", max(limit>>20, 1))}
	if opts.Threads > 0 {
		stmts = append(stmts, fmt.Sprintf("SET threads=%d", opts.Threads))
	}
	return stmts
}
