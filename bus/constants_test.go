package bus

import "testing"

func TestSpeed_String(t *testing.T) {
	tests := []struct {
		speed    Speed
		expected string
	}{
		{SpeedLow, "low-speed"},
		{SpeedFull, "full-speed"},
		{SpeedHigh, "high-speed"},
		{SpeedSuper, "super-speed"},
		{Speed(255), "speed(255)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.speed.String(); got != tt.expected {
				t.Errorf("Speed(%d).String() = %q, want %q", tt.speed, got, tt.expected)
			}
		})
	}
}

func TestSpeed_MaxPacketSize0(t *testing.T) {
	if got := SpeedLow.MaxPacketSize0(); got != 8 {
		t.Errorf("SpeedLow.MaxPacketSize0() = %d, want 8", got)
	}
	for _, s := range []Speed{SpeedFull, SpeedHigh, SpeedSuper} {
		if got := s.MaxPacketSize0(); got != 64 {
			t.Errorf("%v.MaxPacketSize0() = %d, want 64", s, got)
		}
	}
}

func TestDeviceState_String(t *testing.T) {
	tests := []struct {
		state    DeviceState
		expected string
	}{
		{DeviceStateDetached, "detached"},
		{DeviceStateAttached, "attached"},
		{DeviceStateDefault, "default"},
		{DeviceStateAddress, "address"},
		{DeviceStateConfigured, "configured"},
		{DeviceStateSuspended, "suspended"},
		{DeviceState(255), "state(255)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("DeviceState(%d).String() = %q, want %q", tt.state, got, tt.expected)
			}
		})
	}
}

func TestEndpointDescriptor_Number(t *testing.T) {
	tests := []struct {
		address  uint8
		expected uint8
	}{
		{0x00, 0},
		{0x01, 1},
		{0x0F, 15},
		{0x81, 1},
		{0x8F, 15},
	}

	for _, tt := range tests {
		ep := EndpointDescriptor{EndpointAddress: tt.address}
		if got := ep.Number(); got != tt.expected {
			t.Errorf("EndpointDescriptor{0x%02X}.Number() = %d, want %d", tt.address, got, tt.expected)
		}
	}
}

func TestEndpointDescriptor_IsIn(t *testing.T) {
	tests := []struct {
		address  uint8
		expected bool
	}{
		{0x00, false},
		{0x0F, false},
		{0x80, true},
		{0x8F, true},
	}

	for _, tt := range tests {
		ep := EndpointDescriptor{EndpointAddress: tt.address}
		if got := ep.IsIn(); got != tt.expected {
			t.Errorf("EndpointDescriptor{0x%02X}.IsIn() = %v, want %v", tt.address, got, tt.expected)
		}
		if got := ep.IsOut(); got != !tt.expected {
			t.Errorf("EndpointDescriptor{0x%02X}.IsOut() = %v, want %v", tt.address, got, !tt.expected)
		}
	}
}

func TestEndpointDescriptor_Kind(t *testing.T) {
	tests := []struct {
		attributes uint8
		expected   EndpointKind
	}{
		{0x00, EndpointControl},
		{0x01, EndpointIsochronous},
		{0x02, EndpointBulk},
		{0x03, EndpointInterrupt},
		{0x80, EndpointControl},
		{0xFF, EndpointInterrupt},
	}

	for _, tt := range tests {
		ep := EndpointDescriptor{Attributes: tt.attributes}
		if got := ep.Kind(); got != tt.expected {
			t.Errorf("EndpointDescriptor{Attributes: 0x%02X}.Kind() = %d, want %d", tt.attributes, got, tt.expected)
		}
	}

	bulk := EndpointDescriptor{Attributes: 0x02}
	if !bulk.IsBulk() {
		t.Error("IsBulk() should be true for bulk attributes")
	}
	if bulk.IsControl() || bulk.IsInterrupt() || bulk.IsIsochronous() {
		t.Error("only IsBulk() should be true for bulk attributes")
	}
}

func TestParseDeviceDescriptor(t *testing.T) {
	data := make([]byte, DeviceDescriptorSize)
	data[0] = 18
	data[1] = DescriptorTypeDevice
	data[7] = 64
	data[17] = 1

	var dd DeviceDescriptor
	if !ParseDeviceDescriptor(data, &dd) {
		t.Fatal("ParseDeviceDescriptor returned false")
	}
	if dd.Length != 18 || dd.DescriptorType != DescriptorTypeDevice {
		t.Errorf("dd = %+v", dd)
	}
	if dd.MaxPacketSize0 != 64 {
		t.Errorf("MaxPacketSize0 = %d, want 64", dd.MaxPacketSize0)
	}
	if dd.NumConfigurations != 1 {
		t.Errorf("NumConfigurations = %d, want 1", dd.NumConfigurations)
	}
}

func TestParseDeviceDescriptor_TooShort(t *testing.T) {
	var dd DeviceDescriptor
	if ParseDeviceDescriptor(make([]byte, DeviceDescriptorSize-1), &dd) {
		t.Error("ParseDeviceDescriptor should return false for short data")
	}
}

func TestParseEndpointDescriptor(t *testing.T) {
	data := []byte{7, DescriptorTypeEndpoint, 0x81, 0x02, 0x00, 0x02, 0x00}
	var ep EndpointDescriptor
	if !ParseEndpointDescriptor(data, &ep) {
		t.Fatal("ParseEndpointDescriptor returned false")
	}
	if ep.EndpointAddress != 0x81 || ep.MaxPacketSize != 512 {
		t.Errorf("ep = %+v", ep)
	}
}
