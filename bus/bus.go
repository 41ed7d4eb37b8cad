package bus

import (
	"context"
	"sync"

	"github.com/ardnew/usbhcd/pkg"
)

// Bus drives device enumeration and bookkeeping against a personality's
// [Ops] implementation. It never touches hardware registers directly;
// everything it does is expressed through the Ops contract so the same
// enumeration sequence runs unmodified over UHCI, OHCI, or EHCI.
type Bus struct {
	ops Ops

	devices     [MaxDevices]*Device
	deviceCount int
	nextAddress uint8

	running bool
	mutex   sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	deviceConnected    chan *Device
	deviceDisconnected chan *Device

	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// New creates a Bus driving the given personality.
func New(ops Ops) *Bus {
	return &Bus{
		ops:                ops,
		nextAddress:        1,
		deviceConnected:    make(chan *Device, MaxDevices),
		deviceDisconnected: make(chan *Device, MaxDevices),
	}
}

// Start initializes and starts the underlying controller, then begins
// monitoring root-hub ports for connections.
func (b *Bus) Start(ctx context.Context) error {
	b.mutex.Lock()
	if b.running {
		b.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mutex.Unlock()

	if err := b.ops.Init(b.ctx); err != nil {
		return err
	}
	if err := b.ops.Start(); err != nil {
		return err
	}

	b.mutex.Lock()
	b.running = true
	b.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentBus, "bus started")
	go b.monitorDevices()
	return nil
}

// Stop stops the underlying controller and closes all attached devices.
func (b *Bus) Stop() error {
	b.mutex.Lock()
	if !b.running {
		b.mutex.Unlock()
		return nil
	}
	b.running = false
	if b.cancel != nil {
		b.cancel()
	}
	b.mutex.Unlock()

	for i := range b.devices {
		if b.devices[i] != nil {
			b.devices[i].Close()
			b.devices[i] = nil
		}
	}
	b.deviceCount = 0

	if err := b.ops.Stop(); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentBus, "bus stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (b *Bus) IsRunning() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.running
}

// Devices returns every currently attached device in a freshly
// allocated slice.
func (b *Bus) Devices() []*Device {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	out := make([]*Device, 0, b.deviceCount)
	for _, d := range b.devices {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

// GetDevice returns the device at the given address, or nil.
func (b *Bus) GetDevice(address uint8) *Device {
	if address == 0 || address > MaxDevices {
		return nil
	}
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.devices[address-1]
}

// WaitDevice blocks until a device connects and is enumerated.
func (b *Bus) WaitDevice(ctx context.Context) (*Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, pkg.ErrCancelled
	case d := <-b.deviceConnected:
		return d, nil
	}
}

// SetOnDeviceConnect registers a callback invoked after each successful
// enumeration.
func (b *Bus) SetOnDeviceConnect(cb func(*Device)) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.onDeviceConnect = cb
}

// SetOnDeviceDisconnect registers a callback invoked after a device
// disconnects.
func (b *Bus) SetOnDeviceDisconnect(cb func(*Device)) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.onDeviceDisconnect = cb
}

func (b *Bus) monitorDevices() {
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		port, err := b.ops.WaitForConnection(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentBus, "error waiting for connection", "error", err)
			continue
		}
		pkg.LogInfo(pkg.ComponentBus, "device connected", "port", port)

		dev, err := b.enumerateDevice(port)
		if err != nil {
			pkg.LogWarn(pkg.ComponentBus, "enumeration failed", "port", port, "error", err)
			continue
		}

		b.mutex.Lock()
		if b.deviceCount < MaxDevices {
			b.devices[dev.addr-1] = dev
			b.deviceCount++
			cb := b.onDeviceConnect
			b.mutex.Unlock()

			select {
			case b.deviceConnected <- dev:
			default:
			}
			if cb != nil {
				cb(dev)
			}
			pkg.LogInfo(pkg.ComponentBus, "device enumerated",
				"address", dev.addr, "vendor", dev.descriptor.VendorID, "product", dev.descriptor.ProductID)
		} else {
			b.mutex.Unlock()
			pkg.LogWarn(pkg.ComponentBus, "max devices reached")
		}

		go b.monitorDisconnection(port, dev)
	}
}

func (b *Bus) monitorDisconnection(port int, dev *Device) {
	_, err := b.ops.WaitForDisconnection(b.ctx)
	if err != nil {
		return
	}

	pkg.LogInfo(pkg.ComponentBus, "device disconnected", "port", port, "address", dev.addr)

	b.mutex.Lock()
	if dev.addr > 0 && dev.addr <= MaxDevices {
		b.devices[dev.addr-1] = nil
		b.deviceCount--
	}
	cb := b.onDeviceDisconnect
	b.mutex.Unlock()

	dev.Close()

	select {
	case b.deviceDisconnected <- dev:
	default:
	}
	if cb != nil {
		cb(dev)
	}
}

func (b *Bus) allocateAddress() uint8 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for i := 0; i < MaxDevices; i++ {
		addr := b.nextAddress
		b.nextAddress++
		if b.nextAddress > MaxDevices {
			b.nextAddress = 1
		}
		if b.devices[addr-1] == nil {
			return addr
		}
	}
	return 0
}

// NumPorts returns the number of root-hub ports.
func (b *Bus) NumPorts() int { return b.ops.NumPorts() }

// GetPortStatus returns the status of a root-hub port.
func (b *Bus) GetPortStatus(port int) (PortStatus, error) { return b.ops.GetPortStatus(port) }
