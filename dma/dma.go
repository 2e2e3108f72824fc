// Package dma provides device-visible memory for the ring engine.
//
// Ring memory is allocated manually instead of with Go slices so that its
// lifetime and alignment are fully under our control and the garbage
// collector never moves or frees memory a device may still be accessing.
package dma

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrInvalidSize     = errors.New("invalid allocation size")
	ErrUnknownRegion   = errors.New("region was not allocated here")
	ErrAllocatorClosed = errors.New("allocator is closed")
)

// Region is a contiguous piece of device-visible memory.
type Region struct {
	// Mem is the host view of the region, exactly as long as requested.
	Mem []byte
	// Addr is the bus address the device uses to reach Mem[0].
	Addr uint64

	mapping []byte
}

// Len returns the usable size of the region.
func (r *Region) Len() int {
	return len(r.Mem)
}

// Zero clears the whole region.
func (r *Region) Zero() {
	clear(r.Mem)
}

// Allocator hands out device-visible memory.
type Allocator interface {
	Alloc(size int) (*Region, error)
	Free(r *Region) error
}

// Mapper turns host memory into a bus address the device can reach, for
// example by programming an IOMMU. The default maps host virtual addresses
// one to one.
type Mapper interface {
	Map(mem []byte) (uint64, error)
	Unmap(addr uint64, size int) error
}

type identityMapper struct{}

func (identityMapper) Map(mem []byte) (uint64, error) {
	// The memory is not managed by Go, so this conversion is safe.
	// See https://github.com/golang/go/issues/58625
	return uint64(uintptr(unsafe.Pointer(&mem[0]))), nil
}

func (identityMapper) Unmap(uint64, int) error {
	return nil
}

// MmapAllocator backs every region with its own anonymous memory mapping.
// Regions are page aligned and page granular.
type MmapAllocator struct {
	mapper Mapper

	mu      sync.Mutex
	regions []*Region
	closed  bool
}

// NewAllocator creates an MmapAllocator. A nil mapper uses host addresses as
// bus addresses.
func NewAllocator(m Mapper) *MmapAllocator {
	if m == nil {
		m = identityMapper{}
	}
	return &MmapAllocator{mapper: m}
}

func (a *MmapAllocator) Alloc(size int) (_ *Region, err error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrAllocatorClosed
	}

	pageSize := os.Getpagesize()
	mapped := (size + pageSize - 1) / pageSize * pageSize

	buf, err := unix.Mmap(-1, 0, mapped,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, err)
	}

	addr, err := a.mapper.Map(buf)
	if err != nil {
		_ = unix.Munmap(buf)
		return nil, fmt.Errorf("map %d bytes for the device: %w", size, err)
	}

	r := &Region{Mem: buf[:size], Addr: addr, mapping: buf}
	a.regions = append(a.regions, r)
	return r, nil
}

func (a *MmapAllocator) Free(r *Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, x := range a.regions {
		if x == r {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			return a.release(r)
		}
	}
	return ErrUnknownRegion
}

func (a *MmapAllocator) release(r *Region) error {
	var errs []error
	if err := a.mapper.Unmap(r.Addr, len(r.mapping)); err != nil {
		errs = append(errs, fmt.Errorf("unmap from device: %w", err))
	}
	if err := unix.Munmap(r.mapping); err != nil {
		errs = append(errs, fmt.Errorf("release region memory: %w", err))
	}
	r.Mem = nil
	r.mapping = nil
	return errors.Join(errs...)
}

// Resolve returns the host view of n bytes at bus address addr, if they lie
// entirely within one region handed out by this allocator.
func (a *MmapAllocator) Resolve(addr uint64, n int) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.regions {
		if addr < r.Addr || n < 0 {
			continue
		}
		off := addr - r.Addr
		if off+uint64(n) <= uint64(len(r.Mem)) {
			return r.Mem[off : off+uint64(n)], true
		}
	}
	return nil, false
}

// Close releases every region still allocated. The allocator can not be used
// afterwards. The implementation will try to release as many regions as
// possible and collect potential errors before returning them.
func (a *MmapAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for _, r := range a.regions {
		if err := a.release(r); err != nil {
			errs = append(errs, err)
		}
	}
	a.regions = nil
	a.closed = true
	return errors.Join(errs...)
}
