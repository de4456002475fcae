package duckdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSettings(t *testing.T) {
	assert.Equal(t, []string{"SET memory_limit='256MB'"}, settings(Options{}))
	assert.Equal(t, []string{"SET memory_limit='1MB'"}, settings(Options{MemoryLimit: 1000}))
	assert.Equal(t,
		[]string{"SET memory_limit='64MB'", "SET threads=2"},
		settings(Options{MemoryLimit: 64 << 20, Threads: 2}))
}
