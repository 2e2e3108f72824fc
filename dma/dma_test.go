package dma

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmapAllocator(t *testing.T) {
	a := NewAllocator(nil)
	t.Cleanup(func() {
		assert.NoError(t, a.Close())
	})

	r, err := a.Alloc(100)
	require.NoError(t, err)
	assert.Equal(t, 100, r.Len())
	assert.Equal(t, make([]byte, 100), r.Mem)
	assert.Zero(t, r.Addr%uint64(os.Getpagesize()), "regions are page aligned")

	r.Mem[10] = 0xab
	b, ok := a.Resolve(r.Addr+10, 4)
	require.True(t, ok)
	assert.Equal(t, byte(0xab), b[0])

	_, ok = a.Resolve(r.Addr+98, 4)
	assert.False(t, ok, "range crosses the end of the region")

	r.Zero()
	assert.Equal(t, byte(0), r.Mem[10])

	require.NoError(t, a.Free(r))
	assert.ErrorIs(t, a.Free(r), ErrUnknownRegion)
	_, ok = a.Resolve(r.Addr, 1)
	assert.False(t, ok)
}

func TestMmapAllocator_InvalidSize(t *testing.T) {
	a := NewAllocator(nil)
	_, err := a.Alloc(0)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = a.Alloc(-1)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestMmapAllocator_Close(t *testing.T) {
	a := NewAllocator(nil)
	_, err := a.Alloc(10)
	require.NoError(t, err)
	_, err = a.Alloc(5000)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	_, err = a.Alloc(10)
	assert.ErrorIs(t, err, ErrAllocatorClosed)
}

type failingMapper struct {
	mapped int
}

func (m *failingMapper) Map(mem []byte) (uint64, error) {
	if m.mapped > 0 {
		return 0, errors.New("iommu full")
	}
	m.mapped++
	return 0x1000_0000, nil
}

func (m *failingMapper) Unmap(uint64, int) error {
	return nil
}

func TestMmapAllocator_Mapper(t *testing.T) {
	a := NewAllocator(&failingMapper{})
	t.Cleanup(func() {
		assert.NoError(t, a.Close())
	})

	r, err := a.Alloc(16)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000_0000), r.Addr)

	b, ok := a.Resolve(0x1000_0004, 4)
	require.True(t, ok)
	b[0] = 1
	assert.Equal(t, byte(1), r.Mem[4])

	_, err = a.Alloc(16)
	assert.ErrorContains(t, err, "iommu full")
}
