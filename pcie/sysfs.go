package pcie

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

var (
	ErrUnknownBar   = errors.New("bar is not mapped")
	ErrOutOfRange   = errors.New("register offset is outside the bar")
	ErrDeviceClosed = errors.New("device is closed")
)

var hostLittleEndian = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

// Info identifies a PCI function.
type Info struct {
	Path     string
	Vendor   uint16
	Device   uint16
	Revision uint8
}

// Probe reads the identity of the PCI function at a sysfs device directory,
// for example /sys/bus/pci/devices/0000:01:00.1.
func Probe(dir string) (Info, error) {
	info := Info{Path: dir}

	v, err := readSysfsHex(filepath.Join(dir, "vendor"), 16)
	if err != nil {
		return info, err
	}
	info.Vendor = uint16(v)

	v, err = readSysfsHex(filepath.Join(dir, "device"), 16)
	if err != nil {
		return info, err
	}
	info.Device = uint16(v)

	// Not every platform exposes a revision
	v, err = readSysfsHex(filepath.Join(dir, "revision"), 8)
	if err == nil {
		info.Revision = uint8(v)
	}

	return info, nil
}

func readSysfsHex(path string, bitSize int) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimPrefix(strings.TrimSpace(string(b)), "0x")
	v, err := strconv.ParseUint(s, 16, bitSize)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

// Device is a PCI function with BAR0 and BAR2 mapped into the process
// through the sysfs resource files.
type Device struct {
	Info Info
	bars map[Bar][]byte
}

// Open maps the register windows of the PCI function at dir. The caller
// needs permission to open the sysfs resource files for writing.
func Open(l *logrus.Logger, dir string) (_ *Device, err error) {
	info, err := Probe(dir)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", dir, err)
	}

	d := &Device{Info: info, bars: make(map[Bar][]byte)}

	// Clean up a partially mapped device when something fails.
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	for _, bar := range []Bar{BAR0, BAR2} {
		mem, err := mapResource(filepath.Join(dir, fmt.Sprintf("resource%d", bar)))
		if err != nil {
			return nil, fmt.Errorf("map bar%d: %w", bar, err)
		}
		d.bars[bar] = mem
	}

	l.WithField("path", dir).
		WithField("vendor", fmt.Sprintf("%04x", info.Vendor)).
		WithField("device", fmt.Sprintf("%04x", info.Device)).
		WithField("revision", info.Revision).
		Info("Mapped device registers")

	return d, nil
}

func mapResource(path string) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	return unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (d *Device) reg(bar Bar, off uint32) (*atomicbitops.Uint32, error) {
	mem, ok := d.bars[bar]
	if !ok {
		return nil, ErrUnknownBar
	}
	if off%4 != 0 || uint64(off)+4 > uint64(len(mem)) {
		return nil, ErrOutOfRange
	}
	return (*atomicbitops.Uint32)(unsafe.Pointer(&mem[off])), nil
}

// Read32 returns all ones for registers that are not mapped, like a read
// from a device that fell off the bus.
func (d *Device) Read32(bar Bar, off uint32) uint32 {
	r, err := d.reg(bar, off)
	if err != nil {
		return 0xffffffff
	}
	v := r.Load()
	if !hostLittleEndian {
		v = bits.ReverseBytes32(v)
	}
	return v
}

// Write32 silently drops writes to registers that are not mapped.
func (d *Device) Write32(bar Bar, off uint32, v uint32) {
	r, err := d.reg(bar, off)
	if err != nil {
		return
	}
	if !hostLittleEndian {
		v = bits.ReverseBytes32(v)
	}
	r.Store(v)
}

// Close unmaps every register window.
func (d *Device) Close() error {
	if d.bars == nil {
		return ErrDeviceClosed
	}

	var errs []error
	for bar, mem := range d.bars {
		if err := unix.Munmap(mem); err != nil {
			errs = append(errs, fmt.Errorf("unmap bar%d: %w", bar, err))
		}
	}
	d.bars = nil
	return errors.Join(errs...)
}
