// Package pci is the external collaborator spec §6 leaves outside the
// host-controller core: PCI configuration-space and base-address-
// register (BAR) access, EHCI BIOS/SMM hand-off, and IRQ resource
// discovery. A personality's hc.go asks this package for a mapped
// register window and an interrupt channel; it never opens a device
// node or touches /sys itself.
//
// Two paths are supported on Linux:
//
//   - VFIO (`/dev/vfio/...`), the userspace-safe way to own a PCI
//     device's config space and BARs without a kernel USB driver bound
//     to it. Request codes are built with [github.com/daedaluz/goioctl],
//     the same ioctl-number-construction style the pack's
//     Daedaluz-gousb/usbfs package uses for usbdevfs.
//   - sysfs (`/sys/bus/pci/devices/<bdf>/config` and `.../resourceN`),
//     read/written directly with [golang.org/x/sys/unix] Pread/Pwrite/
//     Mmap - the idiomatic replacement for the teacher's raw
//     syscall.Syscall(SYS_IOCTL, ...) pattern, applied here to the
//     raw-byte-I/O concern it covers in the original HAL.
package pci
