package uhci

// UHCI register offsets within the controller's I/O space (UHCI spec
// 2.1.2). Real hardware decodes these through x86 port I/O; this
// module addresses them through the same [pci.BAR] byte-window
// abstraction every personality uses, since nothing downstream cares
// whether the bytes arrived via `in`/`out` or a load/store.
const (
	regUSBCMD    = 0x00 // 16-bit
	regUSBSTS    = 0x02 // 16-bit, write-1-to-clear
	regUSBINTR   = 0x04 // 16-bit
	regFRNUM     = 0x06 // 16-bit
	regFLBASEADD = 0x08 // 32-bit, 4KiB-aligned
	regSOFMOD    = 0x0C // 8-bit
	regPORTSC1   = 0x10 // 16-bit, first port; port n is at +2*(n-1)
)

// USBCMD bits.
const (
	cmdRun        = 1 << 0
	cmdHCReset    = 1 << 1
	cmdGlobalReset = 1 << 2
	cmdMaxPacket64 = 1 << 7
	cmdConfigure  = 1 << 6
)

// USBSTS bits, all write-1-to-clear.
const (
	stsUSBInt        = 1 << 0
	stsErrorInt      = 1 << 1
	stsResumeDetect  = 1 << 2
	stsHostSysError  = 1 << 3
	stsProcessError  = 1 << 4
	stsHCHalted      = 1 << 5
)

// USBINTR enable bits.
const (
	intrTimeoutCRC  = 1 << 0
	intrResume      = 1 << 1
	intrIOC         = 1 << 2
	intrShortPacket = 1 << 3
)

// PORTSC bits (UHCI spec 2.1.6), one register per port.
const (
	portConnectStatus       = 1 << 0
	portConnectStatusChange = 1 << 1
	portEnabled             = 1 << 2
	portEnableChange        = 1 << 3
	portLineStatusMask      = 3 << 4
	portResumeDetect        = 1 << 6
	portReserved1           = 1 << 7 // always reads 1
	portLowSpeed            = 1 << 8
	portReset               = 1 << 9
	portReserved2           = 3 << 10 // always reads 1
	portSuspend             = 1 << 12
)

func portOffset(port int) int { return regPORTSC1 + 2*(port-1) }
