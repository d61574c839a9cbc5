package mitm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverrideTable(t *testing.T) {
	src := map[uint16]uint16{2: 0x1000, 10: 7}
	table := NewOverrideTable(src)
	src[3] = 1

	assert.Equal(t, 2, table.Len(), "table must copy its input")
	v, ok := table.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, uint16(0x1000), v)
	_, ok = table.Lookup(3)
	assert.False(t, ok)

	entries := table.Entries()
	entries[99] = 1
	assert.Equal(t, 2, table.Len(), "Entries must return a copy")

	table.Replace(map[uint16]uint16{5: 5})
	_, ok = table.Lookup(2)
	assert.False(t, ok)
	v, ok = table.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, uint16(5), v)

	table.Replace(nil)
	assert.Zero(t, table.Len())
}

func TestOverrideTableConcurrentReplace(t *testing.T) {
	table := NewOverrideTable(map[uint16]uint16{1: 1})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if v, ok := table.Lookup(1); ok {
					assert.Contains(t, []uint16{1, 2}, v)
				}
			}
		}()
	}
	for j := 0; j < 100; j++ {
		table.Replace(map[uint16]uint16{1: uint16(1 + j%2)})
	}
	wg.Wait()
}
