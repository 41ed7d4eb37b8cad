package bus

import (
	"context"
	"sync"

	"github.com/ardnew/usbhcd/pkg"
)

// Device represents a connected USB device from the bus's perspective.
// It owns the default control pipe's [Endpoint] handle and lazily
// creates handles for any other endpoint it is asked to talk to.
type Device struct {
	ops  Ops
	addr uint8
	port int
	speed Speed

	controlEP Endpoint

	descriptor DeviceDescriptor
	config     ConfigurationDescriptor
	interfaces []InterfaceDescriptor
	epDescs    []EndpointDescriptor

	configurationValue uint8
	state              DeviceState
	mutex              sync.RWMutex

	strings          [MaxStringsPerDevice]string
	classDescriptors [MaxInterfacesPerConfiguration][][]byte

	endpoints   map[uint8]Endpoint
	endpointsMu sync.Mutex
}

// newDevice creates a device at address 0 on port, with a freshly
// created and registered default control endpoint.
func newDevice(ops Ops, port int, speed Speed) (*Device, error) {
	ep, err := ops.EndpointCreate(EndpointConfig{
		Address:       0,
		Number:        0,
		Direction:     DirectionOut,
		Kind:          EndpointControl,
		Speed:         speed,
		MaxPacketSize: speed.MaxPacketSize0(),
	})
	if err != nil {
		return nil, err
	}
	if err := ops.EndpointRegister(ep); err != nil {
		return nil, err
	}
	return &Device{
		ops:       ops,
		port:      port,
		speed:     speed,
		controlEP: ep,
		state:     DeviceStateDefault,
		endpoints: make(map[uint8]Endpoint),
	}, nil
}

// rebindAddress replaces the control endpoint with one addressed to
// addr, the device-side mirror of a successful SET_ADDRESS request.
// Personalities address an endpoint at creation time rather than
// mutating a live one, matching the "no half-published descriptor"
// invariant: the old endpoint keeps serving address 0 until the new one
// is fully registered.
func (d *Device) rebindAddress(ctx context.Context, addr uint8) error {
	ep, err := d.ops.EndpointCreate(EndpointConfig{
		Address:       addr,
		Number:        0,
		Direction:     DirectionOut,
		Kind:          EndpointControl,
		Speed:         d.speed,
		MaxPacketSize: d.speed.MaxPacketSize0(),
	})
	if err != nil {
		return err
	}
	if err := d.ops.EndpointRegister(ep); err != nil {
		return err
	}

	old := d.controlEP
	d.controlEP = ep
	d.addr = addr

	if err := d.ops.EndpointUnregister(old); err != nil {
		pkg.LogWarn(pkg.ComponentBus, "stale control endpoint unregister failed", "error", err)
	}
	if err := d.ops.EndpointDestroy(old); err != nil {
		pkg.LogWarn(pkg.ComponentBus, "stale control endpoint destroy failed", "error", err)
	}
	return nil
}

// Address returns the device's current bus address (0 before SET_ADDRESS).
func (d *Device) Address() uint8 { return d.addr }

// Port returns the root-hub port the device is attached to.
func (d *Device) Port() int { return d.port }

// Speed returns the device's negotiated speed.
func (d *Device) Speed() Speed { return d.speed }

func (d *Device) VendorID() uint16       { return d.descriptor.VendorID }
func (d *Device) ProductID() uint16      { return d.descriptor.ProductID }
func (d *Device) DeviceClass() uint8     { return d.descriptor.DeviceClass }
func (d *Device) DeviceSubClass() uint8  { return d.descriptor.DeviceSubClass }
func (d *Device) DeviceProtocol() uint8  { return d.descriptor.DeviceProtocol }
func (d *Device) Descriptor() DeviceDescriptor           { return d.descriptor }
func (d *Device) Configuration() ConfigurationDescriptor { return d.config }

// Interfaces returns the interface descriptors of the current
// configuration. The returned slice aliases internal storage.
func (d *Device) Interfaces() []InterfaceDescriptor { return d.interfaces }

// Endpoints returns the endpoint descriptors of the current
// configuration. The returned slice aliases internal storage.
func (d *Device) Endpoints() []EndpointDescriptor { return d.epDescs }

// GetInterface returns the interface descriptor for the given number.
func (d *Device) GetInterface(num uint8) *InterfaceDescriptor {
	for i := range d.interfaces {
		if d.interfaces[i].InterfaceNumber == num {
			return &d.interfaces[i]
		}
	}
	return nil
}

// GetEndpointDescriptor returns the descriptor for the given endpoint
// address.
func (d *Device) GetEndpointDescriptor(address uint8) *EndpointDescriptor {
	for i := range d.epDescs {
		if d.epDescs[i].EndpointAddress == address {
			return &d.epDescs[i]
		}
	}
	return nil
}

// GetString returns a cached string descriptor by index.
func (d *Device) GetString(index uint8) string {
	if index == 0 || int(index) >= len(d.strings) {
		return ""
	}
	return d.strings[index]
}

func (d *Device) Manufacturer() string { return d.GetString(d.descriptor.ManufacturerIndex) }
func (d *Device) Product() string      { return d.GetString(d.descriptor.ProductIndex) }
func (d *Device) SerialNumber() string { return d.GetString(d.descriptor.SerialNumberIndex) }

// State returns the device's current enumeration state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

// ControlTransfer performs a control transfer to the device's default
// pipe.
func (d *Device) ControlTransfer(ctx context.Context, setup *SetupPacket, data []byte) (int, error) {
	return RunBatch(ctx, d.ops, d.controlEP, setup, data)
}

// resolveEndpoint returns the (lazily created and registered) Endpoint
// handle for a non-control endpoint address, creating it on first use
// from the cached descriptor list.
func (d *Device) resolveEndpoint(address uint8) (Endpoint, error) {
	d.endpointsMu.Lock()
	defer d.endpointsMu.Unlock()

	if ep, ok := d.endpoints[address]; ok {
		return ep, nil
	}

	desc := d.GetEndpointDescriptor(address)
	if desc == nil {
		return nil, pkg.ErrInvalidEndpoint
	}

	ep, err := d.ops.EndpointCreate(EndpointConfig{
		Address:       d.addr,
		Number:        desc.Number(),
		Direction:     desc.Direction(),
		Kind:          desc.Kind(),
		Speed:         d.speed,
		MaxPacketSize: desc.MaxPacketSize,
		Interval:      desc.Interval,
	})
	if err != nil {
		return nil, err
	}
	if err := d.ops.EndpointRegister(ep); err != nil {
		return nil, err
	}
	d.endpoints[address] = ep
	return ep, nil
}

// BulkTransfer performs a bulk transfer on the given endpoint address.
func (d *Device) BulkTransfer(ctx context.Context, address uint8, data []byte) (int, error) {
	ep, err := d.resolveEndpoint(address)
	if err != nil {
		return 0, err
	}
	return RunBatch(ctx, d.ops, ep, nil, data)
}

// InterruptTransfer performs an interrupt transfer on the given
// endpoint address.
func (d *Device) InterruptTransfer(ctx context.Context, address uint8, data []byte) (int, error) {
	ep, err := d.resolveEndpoint(address)
	if err != nil {
		return 0, err
	}
	return RunBatch(ctx, d.ops, ep, nil, data)
}

// SetConfiguration issues SET_CONFIGURATION and updates device state.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
	if _, err := d.ControlTransfer(ctx, &setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	d.configurationValue = value
	if value > 0 {
		d.state = DeviceStateConfigured
	} else {
		d.state = DeviceStateAddress
	}
	d.mutex.Unlock()
	return nil
}

// GetConfiguration returns the currently active configuration value.
func (d *Device) GetConfiguration() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configurationValue
}

// Close tears down every endpoint handle the device holds.
func (d *Device) Close() error {
	d.mutex.Lock()
	d.state = DeviceStateDetached
	d.mutex.Unlock()

	d.endpointsMu.Lock()
	for addr, ep := range d.endpoints {
		if err := d.ops.EndpointUnregister(ep); err != nil {
			pkg.LogWarn(pkg.ComponentBus, "endpoint unregister failed", "address", addr, "error", err)
		}
		if err := d.ops.EndpointDestroy(ep); err != nil {
			pkg.LogWarn(pkg.ComponentBus, "endpoint destroy failed", "address", addr, "error", err)
		}
	}
	d.endpoints = nil
	d.endpointsMu.Unlock()

	if d.controlEP != nil {
		_ = d.ops.EndpointUnregister(d.controlEP)
		_ = d.ops.EndpointDestroy(d.controlEP)
	}
	return nil
}

func (d *Device) parseDeviceDescriptor(data []byte) bool {
	return ParseDeviceDescriptor(data, &d.descriptor)
}

// parseConfigurationTree walks a full configuration descriptor,
// extracting interface, endpoint, and class-specific descriptors.
func (d *Device) parseConfigurationTree(data []byte) {
	if len(data) < ConfigurationDescriptorSize {
		return
	}
	if !ParseConfigurationDescriptor(data, &d.config) {
		return
	}

	d.interfaces = make([]InterfaceDescriptor, 0, d.config.NumInterfaces)
	d.epDescs = make([]EndpointDescriptor, 0, MaxEndpointsPerInterface)

	offset := ConfigurationDescriptorSize
	currentIface := -1

	for offset < len(data) && offset < int(d.config.TotalLength) {
		if offset+2 > len(data) {
			break
		}
		length := int(data[offset])
		descType := data[offset+1]
		if length < 2 || offset+length > len(data) {
			break
		}

		switch descType {
		case DescriptorTypeInterface:
			var iface InterfaceDescriptor
			if ParseInterfaceDescriptor(data[offset:], &iface) {
				d.interfaces = append(d.interfaces, iface)
				currentIface = len(d.interfaces) - 1
			}
		case DescriptorTypeEndpoint:
			var ep EndpointDescriptor
			if ParseEndpointDescriptor(data[offset:], &ep) {
				d.epDescs = append(d.epDescs, ep)
			}
		default:
			if currentIface >= 0 && currentIface < MaxInterfacesPerConfiguration {
				cd := make([]byte, length)
				copy(cd, data[offset:offset+length])
				d.classDescriptors[currentIface] = append(d.classDescriptors[currentIface], cd)
			}
		}
		offset += length
	}
}

// GetDescriptor issues a GET_DESCRIPTOR request.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}
	return d.ControlTransfer(ctx, &setup, data)
}

// GetStatus issues a GET_STATUS request.
func (d *Device) GetStatus(ctx context.Context) (uint16, error) {
	var buf [2]byte
	setup := SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetStatus,
		Length:      2,
	}
	if _, err := d.ControlTransfer(ctx, &setup, buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// ClearFeature issues a CLEAR_FEATURE request against the device.
func (d *Device) ClearFeature(ctx context.Context, feature uint16) error {
	setup := SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestClearFeature,
		Value:       feature,
	}
	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// SetFeature issues a SET_FEATURE request against the device.
func (d *Device) SetFeature(ctx context.Context, feature uint16) error {
	setup := SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetFeature,
		Value:       feature,
	}
	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// ClearEndpointHalt clears ENDPOINT_HALT on the given endpoint address.
func (d *Device) ClearEndpointHalt(ctx context.Context, address uint8) error {
	setup := SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Index:       uint16(address),
	}
	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}
