package pci

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ardnew/usbhcd/pkg"
)

// BAR is a memory-mapped PCI base address register region, the window a
// personality's hc.go programs its controller registers through.
type BAR struct {
	f    *os.File
	data []byte
}

// MapBAR mmaps resource bar (0-5) of addr's sysfs "resourceN" file.
func MapBAR(addr Address, bar int, size int) (*BAR, error) {
	path := fmt.Sprintf("%s/resource%d", addr.sysfsPath(), bar)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		pkg.LogWarn(pkg.ComponentPCI, "bar open failed", "path", path, "error", err)
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &BAR{f: f, data: data}, nil
}

// Close unmaps the region and closes the resource file.
func (b *BAR) Close() error {
	err := unix.Munmap(b.data)
	if cerr := b.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Bytes returns the raw mapped region. Personalities overlay their
// register-map structs on top of this slice.
func (b *BAR) Bytes() []byte { return b.data }

// ReadU32 reads a 32-bit register at byte offset off.
func (b *BAR) ReadU32(off int) uint32 {
	return uint32(b.data[off]) | uint32(b.data[off+1])<<8 |
		uint32(b.data[off+2])<<16 | uint32(b.data[off+3])<<24
}

// WriteU32 writes a 32-bit register at byte offset off.
func (b *BAR) WriteU32(off int, v uint32) {
	b.data[off] = byte(v)
	b.data[off+1] = byte(v >> 8)
	b.data[off+2] = byte(v >> 16)
	b.data[off+3] = byte(v >> 24)
}

// ReadU8 reads a single register byte at offset off, used for byte-wide
// registers such as EHCI's CAPLENGTH.
func (b *BAR) ReadU8(off int) uint8 { return b.data[off] }

// WriteU8 writes a single register byte at offset off.
func (b *BAR) WriteU8(off int, v uint8) { b.data[off] = v }

// ReadU16 reads a little-endian 16-bit register at offset off.
func (b *BAR) ReadU16(off int) uint16 {
	return uint16(b.data[off]) | uint16(b.data[off+1])<<8
}

// WriteU16 writes a little-endian 16-bit register at offset off.
func (b *BAR) WriteU16(off int, v uint16) {
	b.data[off] = byte(v)
	b.data[off+1] = byte(v >> 8)
}
