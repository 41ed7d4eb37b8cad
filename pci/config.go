package pci

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ardnew/usbhcd/pkg"
)

// Address identifies a PCI function by its Linux "BDF" string, e.g.
// "0000:00:1d.0".
type Address string

// sysfsPath returns the sysfs device directory for addr.
func (a Address) sysfsPath() string {
	return fmt.Sprintf("/sys/bus/pci/devices/%s", a)
}

// Config is a handle to a PCI function's configuration space, backed by
// the sysfs "config" file. Reads and writes go through
// [golang.org/x/sys/unix] Pread/Pwrite so no seek state is shared across
// concurrent accessors.
type Config struct {
	addr Address
	f    *os.File
}

// OpenConfig opens the configuration-space file for addr.
func OpenConfig(addr Address) (*Config, error) {
	path := addr.sysfsPath() + "/config"
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		pkg.LogWarn(pkg.ComponentPCI, "config open failed", "addr", addr, "error", err)
		return nil, err
	}
	return &Config{addr: addr, f: f}, nil
}

// Close releases the underlying file descriptor.
func (c *Config) Close() error { return c.f.Close() }

// ReadU8 reads a single byte at the given config-space offset.
func (c *Config) ReadU8(offset int64) (uint8, error) {
	var buf [1]byte
	if _, err := unix.Pread(int(c.f.Fd()), buf[:], offset); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadU16 reads a little-endian 16-bit value at offset.
func (c *Config) ReadU16(offset int64) (uint16, error) {
	var buf [2]byte
	if _, err := unix.Pread(int(c.f.Fd()), buf[:], offset); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// ReadU32 reads a little-endian 32-bit value at offset.
func (c *Config) ReadU32(offset int64) (uint32, error) {
	var buf [4]byte
	if _, err := unix.Pread(int(c.f.Fd()), buf[:], offset); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

// WriteU8 writes a single byte at offset.
func (c *Config) WriteU8(offset int64, v uint8) error {
	_, err := unix.Pwrite(int(c.f.Fd()), []byte{v}, offset)
	return err
}

// WriteU16 writes a little-endian 16-bit value at offset.
func (c *Config) WriteU16(offset int64, v uint16) error {
	buf := [2]byte{byte(v), byte(v >> 8)}
	_, err := unix.Pwrite(int(c.f.Fd()), buf[:], offset)
	return err
}

// WriteU32 writes a little-endian 32-bit value at offset.
func (c *Config) WriteU32(offset int64, v uint32) error {
	buf := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	_, err := unix.Pwrite(int(c.f.Fd()), buf[:], offset)
	return err
}

// Standard PCI configuration-space offsets this package reads.
const (
	OffsetVendorID   = 0x00
	OffsetDeviceID   = 0x02
	OffsetCommand    = 0x04
	OffsetStatus     = 0x06
	OffsetClassCode  = 0x09
	OffsetHeaderType = 0x0E
	OffsetBAR0       = 0x10
	OffsetCapPtr     = 0x34
	OffsetInterrupt  = 0x3C
)

// PCI command register bits.
const (
	CommandIOSpace      = 1 << 0
	CommandMemorySpace  = 1 << 1
	CommandBusMaster    = 1 << 2
	CommandINTxDisable  = 1 << 10
)

// CapabilityOffsets walks the PCI capability list starting at
// [OffsetCapPtr], returning the config-space offset of each capability
// whose ID matches want.
func (c *Config) CapabilityOffsets(want uint8) ([]int64, error) {
	status, err := c.ReadU16(OffsetStatus)
	if err != nil {
		return nil, err
	}
	const capabilitiesList = 1 << 4
	if status&capabilitiesList == 0 {
		return nil, nil
	}

	var offsets []int64
	next, err := c.ReadU8(OffsetCapPtr)
	if err != nil {
		return nil, err
	}
	for i := 0; next != 0 && i < 48; i++ {
		id, err := c.ReadU8(int64(next))
		if err != nil {
			return nil, err
		}
		if id == want {
			offsets = append(offsets, int64(next))
		}
		next, err = c.ReadU8(int64(next) + 1)
		if err != nil {
			return nil, err
		}
	}
	return offsets, nil
}
