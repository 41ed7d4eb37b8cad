package bus

import "fmt"

// Speed identifies the negotiated signaling rate of a device or port.
// USB 3.x SuperSpeed is listed for completeness with the original
// descriptor layout but is out of scope (see Non-goals): no personality
// in this module ever reports [SpeedSuper].
type Speed uint8

// USB connection speeds.
const (
	SpeedLow  Speed = iota // 1.5 Mbps
	SpeedFull              // 12 Mbps
	SpeedHigh              // 480 Mbps (EHCI only)
	SpeedSuper
)

// String returns a human-readable speed description.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low-speed"
	case SpeedFull:
		return "full-speed"
	case SpeedHigh:
		return "high-speed"
	case SpeedSuper:
		return "super-speed"
	default:
		return fmt.Sprintf("speed(%d)", s)
	}
}

// MaxPacketSize0 returns the default control endpoint max packet size at
// this speed, used before the real value is known from the device
// descriptor.
func (s Speed) MaxPacketSize0() uint16 {
	if s == SpeedLow {
		return 8
	}
	return 64
}

// DeviceState tracks a device's position in the USB enumeration state
// machine, from the host's point of view.
type DeviceState uint8

// Device states.
const (
	DeviceStateDetached DeviceState = iota
	DeviceStateAttached
	DeviceStateDefault
	DeviceStateAddress
	DeviceStateConfigured
	DeviceStateSuspended
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateDetached:
		return "detached"
	case DeviceStateAttached:
		return "attached"
	case DeviceStateDefault:
		return "default"
	case DeviceStateAddress:
		return "address"
	case DeviceStateConfigured:
		return "configured"
	case DeviceStateSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// Fixed capacity limits, chosen to keep the bus layer allocation-free
// after startup.
const (
	MaxDevices                    = 16
	MaxConfigurationsPerDevice    = 4
	MaxInterfacesPerConfiguration = 8
	MaxEndpointsPerInterface      = 16
	MaxStringsPerDevice           = 16
	MaxDescriptorSize             = 512
	MaxControlDataSize            = 512
)

// EndpointKind is the transfer type encoded in an endpoint descriptor's
// bmAttributes field.
type EndpointKind uint8

// Endpoint transfer types.
const (
	EndpointControl     EndpointKind = 0x00
	EndpointIsochronous EndpointKind = 0x01
	EndpointBulk        EndpointKind = 0x02
	EndpointInterrupt   EndpointKind = 0x03
)

// Direction is the data-phase direction of an endpoint or control
// transfer, taken from bit 7 of an endpoint address or bmRequestType.
type Direction uint8

// Endpoint/transfer directions.
const (
	DirectionOut Direction = 0x00
	DirectionIn  Direction = 0x80
)

// Descriptor type codes (USB 2.0 table 9-5).
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeDeviceQualifier      = 0x06
	DescriptorTypeOtherSpeedConfig     = 0x07
	DescriptorTypeInterfacePower       = 0x08
	DescriptorTypeOTG                  = 0x09
	DescriptorTypeDebug                = 0x0A
	DescriptorTypeInterfaceAssociation = 0x0B
)

// Standard request codes (USB 2.0 table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// bmRequestType bit fields.
const (
	RequestTypeOut       = 0x00
	RequestTypeIn        = 0x80
	RequestTypeStandard  = 0x00
	RequestTypeClass     = 0x20
	RequestTypeVendor    = 0x40
	RequestTypeDevice    = 0x00
	RequestTypeInterface = 0x01
	RequestTypeEndpoint  = 0x02
	RequestTypeOther     = 0x03
)

// LangIDUSEnglish is the language ID used when requesting string
// descriptors.
const LangIDUSEnglish = 0x0409

// DeviceDescriptor mirrors the USB device descriptor (USB 2.0 table 9-8).
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the wire size of a device descriptor.
const DeviceDescriptorSize = 18

// ParseDeviceDescriptor decodes a device descriptor from data.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) bool {
	if len(data) < DeviceDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.USBVersion = uint16(data[2]) | uint16(data[3])<<8
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = uint16(data[8]) | uint16(data[9])<<8
	out.ProductID = uint16(data[10]) | uint16(data[11])<<8
	out.DeviceVersion = uint16(data[12]) | uint16(data[13])<<8
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return true
}

// ConfigurationDescriptor mirrors the USB configuration descriptor
// header (USB 2.0 table 9-10).
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ConfigurationDescriptorSize is the wire size of the header alone.
const ConfigurationDescriptorSize = 9

// ParseConfigurationDescriptor decodes a configuration descriptor header.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) bool {
	if len(data) < ConfigurationDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.TotalLength = uint16(data[2]) | uint16(data[3])<<8
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return true
}

// InterfaceDescriptor mirrors the USB interface descriptor (USB 2.0
// table 9-12).
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the wire size of an interface descriptor.
const InterfaceDescriptorSize = 9

// ParseInterfaceDescriptor decodes an interface descriptor.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) bool {
	if len(data) < InterfaceDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return true
}

// EndpointDescriptor mirrors the USB endpoint descriptor (USB 2.0
// table 9-13).
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// EndpointDescriptorSize is the wire size of an endpoint descriptor.
const EndpointDescriptorSize = 7

// ParseEndpointDescriptor decodes an endpoint descriptor.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) bool {
	if len(data) < EndpointDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.EndpointAddress = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = uint16(data[4]) | uint16(data[5])<<8
	out.Interval = data[6]
	return true
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 { return e.EndpointAddress & 0x0F }

// Direction returns the endpoint direction.
func (e *EndpointDescriptor) Direction() Direction {
	return Direction(e.EndpointAddress & 0x80)
}

// IsIn returns true for an IN endpoint.
func (e *EndpointDescriptor) IsIn() bool { return e.Direction() == DirectionIn }

// IsOut returns true for an OUT endpoint.
func (e *EndpointDescriptor) IsOut() bool { return e.Direction() == DirectionOut }

// Kind returns the transfer type.
func (e *EndpointDescriptor) Kind() EndpointKind {
	return EndpointKind(e.Attributes & 0x03)
}

func (e *EndpointDescriptor) IsControl() bool     { return e.Kind() == EndpointControl }
func (e *EndpointDescriptor) IsBulk() bool        { return e.Kind() == EndpointBulk }
func (e *EndpointDescriptor) IsInterrupt() bool   { return e.Kind() == EndpointInterrupt }
func (e *EndpointDescriptor) IsIsochronous() bool { return e.Kind() == EndpointIsochronous }
