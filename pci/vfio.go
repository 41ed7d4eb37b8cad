package pci

import (
	"os"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"

	"github.com/ardnew/usbhcd/pkg"
)

// VFIO ioctl request codes, built the same way Daedaluz-gousb/usbfs
// builds its usbdevfs request codes: a type byte ('>' is VFIO_TYPE)
// plus a number, wrapped in IO/IOR/IOW/IOWR so the direction and
// payload size are encoded for us instead of hand-assembled.
var (
	vfioGetAPIVersion      = ioctl.IO(vfioType, 0)
	vfioCheckExtension     = ioctl.IO(vfioType, 1)
	vfioGroupGetStatus     = ioctl.IOR(vfioType, 3, unsafe.Sizeof(vfioGroupStatus{}))
	vfioGroupSetContainer  = ioctl.IOW(vfioType, 4, unsafe.Sizeof(int32(0)))
	vfioGroupGetDeviceFD   = ioctl.IOW(vfioType, 6, 0)
	vfioDeviceGetInfo      = ioctl.IOR(vfioType, 7, unsafe.Sizeof(vfioDeviceInfo{}))
	vfioDeviceGetRegionInfo = ioctl.IOWR(vfioType, 8, unsafe.Sizeof(vfioRegionInfo{}))
	vfioDeviceGetIRQInfo   = ioctl.IOWR(vfioType, 9, unsafe.Sizeof(vfioIRQInfo{}))
	vfioDeviceSetIRQs      = ioctl.IOW(vfioType, 10, unsafe.Sizeof(vfioIRQSet{}))
	vfioDeviceReset        = ioctl.IO(vfioType, 11)
)

// vfioType is VFIO's ioctl type byte ('>' in the kernel header).
const vfioType = '>'

type vfioGroupStatus struct {
	ArgSz uint32
	Flags uint32
}

type vfioDeviceInfo struct {
	ArgSz     uint32
	Flags     uint32
	NumRegions uint32
	NumIRQs   uint32
}

type vfioRegionInfo struct {
	ArgSz  uint32
	Index  uint32
	Flags  uint32
	Cap    uint32
	Size   uint64
	Offset uint64
}

type vfioIRQInfo struct {
	ArgSz uint32
	Flags uint32
	Index uint32
	Count uint32
}

type vfioIRQSet struct {
	ArgSz uint32
	Flags uint32
	Index uint32
	Start uint32
	Count uint32
}

// VFIO region indices relevant to a PCI function.
const (
	vfioRegionIndexConfig = 7 // VFIO_PCI_CONFIG_REGION_INDEX
)

// VFIODevice is a PCI function opened through the VFIO framework: the
// userspace-safe path to own a device's config space, BARs, and
// interrupts without a kernel driver bound to it.
type VFIODevice struct {
	group  *os.File
	device *os.File
}

// OpenVFIO opens a VFIO group and claims the device at addr. groupPath
// is the /dev/vfio/<N> node for the IOMMU group addr belongs to, and
// containerFD is an already-configured VFIO container (opened and set
// up by the caller, since container/IOMMU-type setup is host-topology
// specific and out of this package's scope).
func OpenVFIO(groupPath string, containerFD int, addr Address) (*VFIODevice, error) {
	group, err := os.OpenFile(groupPath, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	if err := ioctlNoArg(group, vfioGroupSetContainer, uintptr(containerFD)); err != nil {
		group.Close()
		return nil, err
	}

	devFD, err := ioctlString(group, vfioGroupGetDeviceFD, string(addr))
	if err != nil {
		group.Close()
		return nil, err
	}

	pkg.LogInfo(pkg.ComponentPCI, "vfio device opened", "addr", addr)
	return &VFIODevice{group: group, device: os.NewFile(uintptr(devFD), string(addr))}, nil
}

// Close releases the device and group file descriptors.
func (v *VFIODevice) Close() error {
	err := v.device.Close()
	if gerr := v.group.Close(); err == nil {
		err = gerr
	}
	return err
}

// RegionInfo queries the size and mmap offset of the given VFIO region
// index (BAR0-5 map to indices 0-5; config space is
// [vfioRegionIndexConfig]).
func (v *VFIODevice) RegionInfo(index uint32) (size uint64, offset uint64, err error) {
	info := vfioRegionInfo{ArgSz: uint32(unsafe.Sizeof(vfioRegionInfo{})), Index: index}
	if err := ioctlPtr(v.device, vfioDeviceGetRegionInfo, unsafe.Pointer(&info)); err != nil {
		return 0, 0, err
	}
	return info.Size, info.Offset, nil
}

// MapRegion mmaps the BAR at the given index.
func (v *VFIODevice) MapRegion(index uint32) (*BAR, error) {
	size, offset, err := v.RegionInfo(index)
	if err != nil {
		return nil, err
	}
	data, err := unix.Mmap(int(v.device.Fd()), int64(offset), int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &BAR{f: v.device, data: data}, nil
}

// Reset issues VFIO_DEVICE_RESET, the userspace path to a PCI function
// level reset.
func (v *VFIODevice) Reset() error {
	return ioctlNoArg(v.device, vfioDeviceReset, 0)
}

func ioctlNoArg(f *os.File, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlPtr(f *os.File, req uintptr, ptr unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(ptr))
	if errno != 0 {
		return errno
	}
	return nil
}

// ioctlString marshals s as a VFIO_GROUP_GET_DEVICE_FD argument (a NUL
// terminated device name string) and returns the resulting file
// descriptor, which the kernel returns as the ioctl's return value
// rather than through an out-parameter.
func ioctlString(f *os.File, req uintptr, s string) (int, error) {
	b := append([]byte(s), 0)
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(unsafe.Pointer(&b[0])))
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}
