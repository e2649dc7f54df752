//go:build linux

// Package pcibus maps an XMM7360's PCI resources into the process so the
// xmm package can drive it from userspace: the two BAR register windows via
// the sysfs resource files, coherent DMA memory and interrupts via a uio
// binding. It implements the collaborator interfaces the xmm package
// expects and knows nothing about the ring protocol itself.
package pcibus

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	xmm "github.com/behrlich/go-xmm"
)

// Device is one mapped PCI function.
type Device struct {
	sysfsPath string
	bar0      *window
	bar2      *window
}

// window exposes a mapped BAR as 32-bit registers. Accesses are atomic so
// the compiler cannot tear or elide MMIO.
type window struct {
	mem []byte
}

func (w *window) Read32(reg uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&w.mem[reg*4])))
}

func (w *window) Write32(reg uint32, val uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&w.mem[reg*4])), val)
}

// Open maps BAR0 and BAR2 of the device at the given sysfs path (e.g.
// /sys/bus/pci/devices/0000:01:00.0) and enables the function.
func Open(sysfsPath string) (*Device, error) {
	if err := os.WriteFile(filepath.Join(sysfsPath, "enable"), []byte("1"), 0); err != nil {
		return nil, fmt.Errorf("pcibus: enable %s: %w", sysfsPath, err)
	}

	bar0, err := mapResource(filepath.Join(sysfsPath, "resource0"))
	if err != nil {
		return nil, err
	}
	bar2, err := mapResource(filepath.Join(sysfsPath, "resource2"))
	if err != nil {
		unix.Munmap(bar0.mem)
		return nil, err
	}

	return &Device{sysfsPath: sysfsPath, bar0: bar0, bar2: bar2}, nil
}

func mapResource(path string) (*window, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("pcibus: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("pcibus: stat %s: %w", path, err)
	}

	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pcibus: mmap %s: %w", path, err)
	}
	return &window{mem: mem}, nil
}

// Bar0 returns the mode/doorbell/wakeup window.
func (d *Device) Bar0() xmm.RegisterWindow { return d.bar0 }

// Bar2 returns the status/control-address window.
func (d *Device) Bar2() xmm.RegisterWindow { return d.bar2 }

// Close unmaps both windows.
func (d *Device) Close() error {
	var first error
	for _, w := range []*window{d.bar0, d.bar2} {
		if w != nil && w.mem != nil {
			if err := unix.Munmap(w.mem); err != nil && first == nil {
				first = err
			}
			w.mem = nil
		}
	}
	return first
}

// UioAllocator carves coherent blocks out of a uio DMA map (a uio_dmem or
// reserved-memory region the uio driver exposes as map0). The region's bus
// address comes from the map's addr attribute.
type UioAllocator struct {
	mu   sync.Mutex
	mem  []byte
	bus  uint64
	next int
	free map[int][]int // size -> freed offsets
}

// NewUioAllocator maps region mapIndex of the given uio device (e.g.
// "/dev/uio0") for DMA use.
func NewUioAllocator(uioPath string, mapIndex int) (*UioAllocator, error) {
	name := strings.TrimPrefix(filepath.Base(uioPath), "/dev/")
	mapDir := fmt.Sprintf("/sys/class/uio/%s/maps/map%d", name, mapIndex)

	bus, err := readHex(filepath.Join(mapDir, "addr"))
	if err != nil {
		return nil, err
	}
	size, err := readHex(filepath.Join(mapDir, "size"))
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(uioPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pcibus: open %s: %w", uioPath, err)
	}
	defer unix.Close(fd)

	pageSize := unix.Getpagesize()
	mem, err := unix.Mmap(fd, int64(mapIndex*pageSize), int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pcibus: mmap uio map%d: %w", mapIndex, err)
	}

	return &UioAllocator{
		mem:  mem,
		bus:  bus,
		free: make(map[int][]int),
	}, nil
}

func readHex(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("pcibus: read %s: %w", path, err)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(data)), "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("pcibus: parse %s: %w", path, err)
	}
	return v, nil
}

// Alloc implements the allocator contract: blocks are 8-byte aligned and
// zeroed. Freed blocks of the same size are reused before the region grows.
func (a *UioAllocator) Alloc(size int) (*xmm.Block, error) {
	rounded := (size + 7) &^ 7

	a.mu.Lock()
	defer a.mu.Unlock()

	var off int
	if list := a.free[rounded]; len(list) > 0 {
		off = list[len(list)-1]
		a.free[rounded] = list[:len(list)-1]
	} else {
		if a.next+rounded > len(a.mem) {
			return nil, fmt.Errorf("pcibus: DMA region exhausted (%d of %d bytes used)", a.next, len(a.mem))
		}
		off = a.next
		a.next += rounded
	}

	b := a.mem[off : off+size : off+rounded]
	for i := range b {
		b[i] = 0
	}
	return &xmm.Block{Bytes: b, Bus: a.bus + uint64(off)}, nil
}

// Free returns a block to the allocator.
func (a *UioAllocator) Free(b *xmm.Block) error {
	off := int(b.Bus - a.bus)
	rounded := (len(b.Bytes) + 7) &^ 7

	a.mu.Lock()
	defer a.mu.Unlock()
	a.free[rounded] = append(a.free[rounded], off)
	return nil
}

// ServeInterrupts pumps the uio interrupt file into the device's dispatch:
// each 4-byte read is one interrupt event on the uio line, which maps to
// the modem's line 0. Returns when ctx is cancelled or the read path fails.
func ServeInterrupts(ctx context.Context, uioPath string, dispatch func(line int)) error {
	fd, err := unix.Open(uioPath, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("pcibus: open %s: %w", uioPath, err)
	}
	defer unix.Close(fd)

	var buf [4]byte
	enable := []byte{1, 0, 0, 0}
	for {
		// Re-enable the interrupt, then block for the next event with a
		// poll timeout so cancellation is honored.
		if _, err := unix.Write(fd, enable); err != nil {
			return fmt.Errorf("pcibus: irq enable: %w", err)
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
			n, err := unix.Poll(fds, 100)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return fmt.Errorf("pcibus: irq poll: %w", err)
			}
			if n > 0 {
				break
			}
		}

		if _, err := unix.Read(fd, buf[:]); err != nil {
			return fmt.Errorf("pcibus: irq read: %w", err)
		}
		_ = binary.LittleEndian.Uint32(buf[:]) // event count, unused
		dispatch(0)
	}
}
