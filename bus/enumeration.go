package bus

import (
	"errors"

	"github.com/ardnew/usbhcd/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// enumerateDevice runs the full USB enumeration sequence for a newly
// connected port: reset, learn bMaxPacketSize0, assign an address, read
// the full device and configuration descriptor trees, read strings, and
// select the first configuration. This is the one enumeration helper
// every personality shares (§6).
func (b *Bus) enumerateDevice(port int) (*Device, error) {
	pkg.LogDebug(pkg.ComponentBus, "starting enumeration", "port", port)

	speed := b.ops.PortSpeed(port)
	if err := b.ops.ResetPort(port); err != nil {
		return nil, err
	}

	dev, err := newDevice(b.ops, port, speed)
	if err != nil {
		return nil, err
	}

	var buf [MaxDescriptorSize]byte

	// First 8 bytes only, to learn bMaxPacketSize0 before address
	// assignment (a full 18-byte read can overrun the default packet
	// size assumption on unfamiliar low-speed devices).
	setup := SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeDevice) << 8,
		Length:      8,
	}
	n, err := dev.ControlTransfer(b.ctx, &setup, buf[:8])
	if err != nil {
		return nil, err
	}
	if n < 8 {
		return nil, ErrEnumerationFailed
	}
	pkg.LogDebug(pkg.ComponentBus, "got max packet size", "size", buf[7])

	address := b.allocateAddress()
	if address == 0 {
		return nil, ErrNoAddress
	}

	setup = SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetAddress,
		Value:       uint16(address),
	}
	if _, err := dev.ControlTransfer(b.ctx, &setup, nil); err != nil {
		return nil, err
	}
	if err := dev.rebindAddress(b.ctx, address); err != nil {
		return nil, err
	}
	dev.state = DeviceStateAddress
	pkg.LogDebug(pkg.ComponentBus, "assigned address", "address", address)

	setup = SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeDevice) << 8,
		Length:      DeviceDescriptorSize,
	}
	n, err = dev.ControlTransfer(b.ctx, &setup, buf[:DeviceDescriptorSize])
	if err != nil {
		return nil, err
	}
	if n < DeviceDescriptorSize {
		return nil, ErrEnumerationFailed
	}
	dev.parseDeviceDescriptor(buf[:n])
	pkg.LogDebug(pkg.ComponentBus, "device descriptor",
		"vendorID", dev.descriptor.VendorID, "productID", dev.descriptor.ProductID, "class", dev.descriptor.DeviceClass)

	setup = SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeConfiguration) << 8,
		Length:      ConfigurationDescriptorSize,
	}
	n, err = dev.ControlTransfer(b.ctx, &setup, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return nil, err
	}
	if n < ConfigurationDescriptorSize {
		return nil, ErrEnumerationFailed
	}

	totalLength := uint16(buf[2]) | uint16(buf[3])<<8
	if totalLength > uint16(len(buf)) {
		totalLength = uint16(len(buf))
	}

	setup.Length = totalLength
	n, err = dev.ControlTransfer(b.ctx, &setup, buf[:totalLength])
	if err != nil {
		return nil, err
	}
	dev.parseConfigurationTree(buf[:n])
	pkg.LogDebug(pkg.ComponentBus, "configuration descriptor",
		"numInterfaces", dev.config.NumInterfaces, "configValue", dev.config.ConfigurationValue)

	if err := b.readStringDescriptors(dev, buf[:]); err != nil {
		pkg.LogDebug(pkg.ComponentBus, "string descriptor read failed", "error", err)
	}

	if dev.config.ConfigurationValue > 0 {
		if err := dev.SetConfiguration(b.ctx, dev.config.ConfigurationValue); err != nil {
			return nil, err
		}
	}

	return dev, nil
}

// readStringDescriptors fetches and caches the manufacturer, product,
// and serial-number strings. Failures here are non-fatal; enumeration
// proceeds without strings.
func (b *Bus) readStringDescriptors(dev *Device, buf []byte) error {
	readString := func(index uint8) (string, error) {
		if index == 0 {
			return "", nil
		}
		setup := SetupPacket{
			RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
			Request:     RequestGetDescriptor,
			Value:       uint16(DescriptorTypeString)<<8 | uint16(index),
			Index:       LangIDUSEnglish,
			Length:      uint16(len(buf)),
		}
		n, err := dev.ControlTransfer(b.ctx, &setup, buf)
		if err != nil {
			return "", err
		}
		if n < 2 {
			return "", nil
		}
		length := int(buf[0])
		if length > n {
			length = n
		}
		if length < 2 {
			return "", nil
		}
		result := make([]byte, 0, (length-2)/2)
		for i := 2; i < length-1; i += 2 {
			if buf[i+1] == 0 && buf[i] >= 0x20 && buf[i] < 0x7F {
				result = append(result, buf[i])
			}
		}
		return string(result), nil
	}

	if s, err := readString(dev.descriptor.ManufacturerIndex); err == nil && len(s) > 0 {
		if int(dev.descriptor.ManufacturerIndex) < len(dev.strings) {
			dev.strings[dev.descriptor.ManufacturerIndex] = s
		}
	}
	if s, err := readString(dev.descriptor.ProductIndex); err == nil && len(s) > 0 {
		if int(dev.descriptor.ProductIndex) < len(dev.strings) {
			dev.strings[dev.descriptor.ProductIndex] = s
		}
	}
	if s, err := readString(dev.descriptor.SerialNumberIndex); err == nil && len(s) > 0 {
		if int(dev.descriptor.SerialNumberIndex) < len(dev.strings) {
			dev.strings[dev.descriptor.SerialNumberIndex] = s
		}
	}
	return nil
}
