package roothub

import (
	"context"
	"testing"
	"time"

	"github.com/ardnew/usbhcd/bus"
)

// fakePorts is a hand-rolled [PortOps] standing in for a real register
// map, the way the base's host/hal tests fake hardware rather than
// mocking an interface with a generated mock.
type fakePorts struct {
	status []bus.PortStatus
}

func newFakePorts(n int) *fakePorts {
	return &fakePorts{status: make([]bus.PortStatus, n+1)}
}

func (f *fakePorts) NumPorts() int { return len(f.status) - 1 }

func (f *fakePorts) GetPortStatus(port int) (bus.PortStatus, error) {
	return f.status[port], nil
}

func (f *fakePorts) SetPortFeature(port int, feature uint16) error {
	switch feature {
	case FeaturePortReset:
		f.status[port].Reset = true
	case FeaturePortEnable:
		f.status[port].Enabled = true
	case FeaturePortPower:
		f.status[port].PowerOn = true
	}
	return nil
}

func (f *fakePorts) ClearPortFeature(port int, feature uint16) error {
	switch feature {
	case FeatureCPortConnection:
		f.status[port].ConnectChange = false
	case FeatureCPortEnable:
		f.status[port].EnableChange = false
	case FeatureCPortReset:
		f.status[port].ResetChange = false
	}
	return nil
}

func (f *fakePorts) PortSpeed(port int) bus.Speed { return f.status[port].Speed }

func TestEmulator_AwaitChange_BlocksUntilNotified(t *testing.T) {
	ports := newFakePorts(2)
	e := New(ports)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		data := make([]byte, 1)
		n, err := e.AwaitChange(ctx, data)
		if err != nil {
			t.Errorf("AwaitChange returned error: %v", err)
		}
		if n != 1 {
			t.Errorf("AwaitChange returned n=%d, want 1", n)
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	ports.status[1].ConnectChange = true
	e.NotifyChange()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("AwaitChange did not return after NotifyChange")
	}
}

func TestEmulator_AwaitChange_ContextCancelled(t *testing.T) {
	ports := newFakePorts(1)
	e := New(ports)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.AwaitChange(ctx, make([]byte, 1))
	if err == nil {
		t.Fatal("AwaitChange should return an error on cancelled context")
	}
}

func TestEmulator_HandleControl_GetHubDescriptor(t *testing.T) {
	ports := newFakePorts(4)
	e := New(ports)

	setup := &bus.SetupPacket{
		RequestType: bus.RequestTypeIn | bus.RequestTypeClass,
		Request:     bus.RequestGetDescriptor,
		Value:       uint16(DescriptorTypeHub) << 8,
	}
	data := make([]byte, 16)
	n, err := e.HandleControl(context.Background(), setup, data)
	if err != nil {
		t.Fatalf("HandleControl returned error: %v", err)
	}
	if n == 0 || data[1] != DescriptorTypeHub {
		t.Errorf("expected hub descriptor, got %v", data[:n])
	}
}

func TestEmulator_HandleControl_PortStatusRoundTrip(t *testing.T) {
	ports := newFakePorts(2)
	ports.status[1].Connected = true
	ports.status[1].Speed = bus.SpeedHigh
	e := New(ports)

	setup := &bus.SetupPacket{
		RequestType: bus.RequestTypeIn | bus.RequestTypeClass | bus.RequestTypeOther,
		Request:     RequestGetPortStatus,
		Index:       1,
	}
	data := make([]byte, 4)
	n, err := e.HandleControl(context.Background(), setup, data)
	if err != nil {
		t.Fatalf("HandleControl returned error: %v", err)
	}
	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}
	status := uint16(data[0]) | uint16(data[1])<<8
	if status&(1<<0) == 0 {
		t.Error("connected bit not set")
	}
	if status&(1<<10) == 0 {
		t.Error("high-speed bit not set")
	}
}

func TestEmulator_HandleControl_SetClearPortFeature(t *testing.T) {
	ports := newFakePorts(1)
	e := New(ports)

	setFeature := &bus.SetupPacket{
		RequestType: bus.RequestTypeClass | bus.RequestTypeOther,
		Request:     RequestSetPortFeature,
		Value:       FeaturePortReset,
		Index:       1,
	}
	if _, err := e.HandleControl(context.Background(), setFeature, nil); err != nil {
		t.Fatalf("SET_FEATURE returned error: %v", err)
	}
	if !ports.status[1].Reset {
		t.Error("SET_FEATURE(PORT_RESET) did not set Reset")
	}

	clearFeature := &bus.SetupPacket{
		RequestType: bus.RequestTypeClass | bus.RequestTypeOther,
		Request:     RequestClearPortFeature,
		Value:       FeatureCPortEnable,
		Index:       1,
	}
	ports.status[1].EnableChange = true
	if _, err := e.HandleControl(context.Background(), clearFeature, nil); err != nil {
		t.Fatalf("CLEAR_FEATURE returned error: %v", err)
	}
	if ports.status[1].EnableChange {
		t.Error("CLEAR_FEATURE(C_PORT_ENABLE) did not clear EnableChange")
	}
}

func TestEmulator_HandleControl_ClearHubFeature(t *testing.T) {
	ports := newFakePorts(1)
	e := New(ports)

	overCurrent := &bus.SetupPacket{
		RequestType: bus.RequestTypeClass | bus.RequestTypeDevice,
		Request:     RequestClearHubFeature,
		Value:       FeatureCHubOverCurrent,
	}
	if _, err := e.HandleControl(context.Background(), overCurrent, nil); err != nil {
		t.Fatalf("CLEAR_FEATURE(C_HUB_OVER_CURRENT) returned error: %v", err)
	}

	localPower := &bus.SetupPacket{
		RequestType: bus.RequestTypeClass | bus.RequestTypeDevice,
		Request:     RequestClearHubFeature,
		Value:       FeatureCHubLocalPower,
	}
	if _, err := e.HandleControl(context.Background(), localPower, nil); err == nil {
		t.Error("CLEAR_FEATURE(C_HUB_LOCAL_POWER) should stall, not supported")
	}
}

func TestEmulator_HandleControl_ClearPortFeature_IgnoresHubRecipient(t *testing.T) {
	ports := newFakePorts(1)
	e := New(ports)
	ports.status[1].EnableChange = true

	// A hub-recipient CLEAR_FEATURE carries the same request code as
	// CLEAR_PORT_FEATURE; recipient must route it to the hub-feature
	// case, never to ops.ClearPortFeature(0, ...).
	setup := &bus.SetupPacket{
		RequestType: bus.RequestTypeClass | bus.RequestTypeDevice,
		Request:     RequestClearPortFeature,
		Value:       FeatureCHubOverCurrent,
	}
	if _, err := e.HandleControl(context.Background(), setup, nil); err != nil {
		t.Fatalf("HandleControl returned error: %v", err)
	}
	if !ports.status[1].EnableChange {
		t.Error("hub-recipient CLEAR_FEATURE must not reach ClearPortFeature(0, ...)")
	}
}

func TestEmulator_HandleControl_UnsupportedRequest(t *testing.T) {
	ports := newFakePorts(1)
	e := New(ports)

	setup := &bus.SetupPacket{RequestType: bus.RequestTypeVendor, Request: 0x5A}
	if _, err := e.HandleControl(context.Background(), setup, nil); err == nil {
		t.Error("unsupported request should return an error")
	}
}

func TestDescriptor_SizingAndFields(t *testing.T) {
	desc := Descriptor(4)
	if desc[0] != uint8(len(desc)) {
		t.Errorf("bLength = %d, want %d", desc[0], len(desc))
	}
	if desc[1] != DescriptorTypeHub {
		t.Errorf("bDescriptorType = 0x%02X, want 0x%02X", desc[1], DescriptorTypeHub)
	}
	if desc[2] != 4 {
		t.Errorf("bNbrPorts = %d, want 4", desc[2])
	}
}
