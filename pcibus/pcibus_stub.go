//go:build !linux

// Package pcibus maps an XMM7360's PCI resources into the process. Only
// Linux exposes the sysfs and uio interfaces it relies on; other platforms
// get a stub that reports the device as unsupported.
package pcibus

import (
	"context"
	"errors"

	xmm "github.com/behrlich/go-xmm"
)

// ErrUnsupported is returned on platforms without sysfs PCI access.
var ErrUnsupported = errors.New("pcibus: only supported on linux")

// Device is one mapped PCI function.
type Device struct{}

// Open is unavailable on this platform.
func Open(sysfsPath string) (*Device, error) {
	return nil, ErrUnsupported
}

// Bar0 is unavailable on this platform.
func (d *Device) Bar0() xmm.RegisterWindow { return nil }

// Bar2 is unavailable on this platform.
func (d *Device) Bar2() xmm.RegisterWindow { return nil }

// Close is a no-op on this platform.
func (d *Device) Close() error { return nil }

// UioAllocator is one uio-backed DMA region.
type UioAllocator struct{}

// NewUioAllocator is unavailable on this platform.
func NewUioAllocator(uioPath string, mapIndex int) (*UioAllocator, error) {
	return nil, ErrUnsupported
}

// Alloc is unavailable on this platform.
func (a *UioAllocator) Alloc(size int) (*xmm.Block, error) {
	return nil, ErrUnsupported
}

// Free is unavailable on this platform.
func (a *UioAllocator) Free(b *xmm.Block) error { return ErrUnsupported }

// ServeInterrupts is unavailable on this platform.
func ServeInterrupts(ctx context.Context, uioPath string, dispatch func(line int)) error {
	return ErrUnsupported
}
