package ehci

// capLength is the one capability register this module reads before
// anything else: the byte offset from the start of the MMIO BAR to the
// operational register block. Every other offset below is relative to
// that operational base, not to the BAR's start.
const capLength = 0x00
const capHCSParams = 0x04
const capHCCParams = 0x08

// HCSPARAMS fields (EHCI spec 2.2.2).
const (
	hcsNumPortsMask = 0xF
	hcsPortRouting  = 1 << 7
	hcsNumCCShift   = 12
	hcsNumCCMask    = 0xF
	hcsNumPCCShift  = 8
	hcsNumPCCMask   = 0xF
)

// HCCPARAMS fields (EHCI spec 2.2.3).
const (
	hcc64BitAddressing = 1 << 0
	hccEECPShift       = 8
	hccEECPMask        = 0xFF
)

// Operational register offsets, relative to capLength's value.
const (
	opUSBCMD           = 0x00
	opUSBSTS           = 0x04
	opUSBINTR          = 0x08
	opFRINDEX          = 0x0C
	opCTRLDSSEGMENT    = 0x10
	opPERIODICLISTBASE = 0x14
	opASYNCLISTADDR    = 0x18
	opCONFIGFLAG       = 0x40
	opPORTSC0          = 0x44 // port n is at +4*(n-1)
)

func portSCOffset(opBase, port int) int { return opBase + opPORTSC0 + 4*(port-1) }

// USBCMD bits.
const (
	cmdRun               = 1 << 0
	cmdHCReset           = 1 << 1
	cmdFrameListSizeMask = 0x3 << 2
	cmdPeriodicEnable    = 1 << 4
	cmdAsyncEnable       = 1 << 5
	cmdIOCAsyncDoorbell  = 1 << 6
	cmdLightHCReset      = 1 << 7
	cmdIntThresholdShift = 16
	cmdIntThresholdMask  = 0xFF << 16
)

// USBSTS/USBINTR bits.
const (
	stsUSBInt           = 1 << 0
	stsErrorInt         = 1 << 1
	stsPortChange       = 1 << 2
	stsFrameRollover    = 1 << 3
	stsHostError        = 1 << 4
	stsAsyncAdvance     = 1 << 5
	stsHCHalted         = 1 << 12
	stsReclamation      = 1 << 13
	stsPeriodicSched    = 1 << 14
	stsAsyncSched       = 1 << 15
)

const intrEnableMask = stsUSBInt | stsErrorInt | stsPortChange | stsFrameRollover | stsHostError | stsAsyncAdvance

// CONFIGFLAG bit: routes all ports to this EHCI controller once set;
// before that every port defaults to its companion controller.
const configFlagRouteToEHCI = 1 << 0

// PORTSC bits (EHCI spec 2.3.9). The write-clear status bits
// (connect-change, enable-change, over-current-change) share the
// read-status layout the way UHCI's and OHCI's change bits do.
const (
	portscConnect        = 1 << 0
	portscConnectChange  = 1 << 1
	portscEnabled        = 1 << 2
	portscEnableChange   = 1 << 3
	portscOverCurrent    = 1 << 4
	portscOverCurrentChg = 1 << 5
	portscForcePortResume = 1 << 6
	portscSuspend        = 1 << 7
	portscReset          = 1 << 8
	portscLineStatusShift = 10
	portscLineStatusMask  = 0x3 << 10
	portscPower          = 1 << 12
	portscOwner          = 1 << 13
	portscIndicatorShift = 14
	portscIndicatorMask  = 0x3 << 14
	portscTestShift      = 16
	portscTestMask       = 0xF << 16
	portscWakeConnect    = 1 << 20
	portscWakeDisconnect = 1 << 21
	portscWakeOverCurrent = 1 << 22
)

const portscWriteClearMask = portscConnectChange | portscEnableChange | portscOverCurrentChg

// legacySupportCapID is the PCI extended-capability ID identifying the
// EHCI Legacy Support register pair used for BIOS hand-off
// ([github.com/ardnew/usbhcd/pci.BIOSHandoff]).
const legacySupportCapID = 0x01
