package ohci

// OHCI operational register offsets (OHCI spec 7, register file is
// memory-mapped, 32-bit, little-endian).
const (
	regRevision       = 0x00
	regControl        = 0x04
	regCommandStatus  = 0x08
	regInterruptStatus = 0x0C
	regInterruptEnable = 0x10
	regInterruptDisable = 0x14
	regHCCA           = 0x18
	regPeriodCurrentED = 0x1C
	regControlHeadED  = 0x20
	regControlCurrentED = 0x24
	regBulkHeadED     = 0x28
	regBulkCurrentED  = 0x2C
	regDoneHead       = 0x30
	regFmInterval     = 0x34
	regFmRemaining    = 0x38
	regFmNumber       = 0x3C
	regPeriodicStart  = 0x40
	regLSThreshold    = 0x44
	regRhDescriptorA  = 0x48
	regRhDescriptorB  = 0x4C
	regRhStatus       = 0x50
	regRhPortStatus0  = 0x54 // port n is at +4*(n-1)
)

func rhPortStatusOffset(port int) int { return regRhPortStatus0 + 4*(port-1) }

// HcControl bits (OHCI spec 7.1.3).
const (
	controlPeriodicListEnable = 1 << 2
	controlIsoEnable          = 1 << 3
	controlControlListEnable  = 1 << 4
	controlBulkListEnable     = 1 << 5
	controlFunctionalStateShift = 6
	controlFunctionalStateMask  = 0x3 << 6
	controlRemoteWakeupEnable = 1 << 10
)

// HcFunctionalState values, packed into HcControl bits 6-7.
const (
	hcfsReset        = 0
	hcfsResume       = 1
	hcfsOperational  = 2
	hcfsSuspend      = 3
)

// HcCommandStatus bits.
const (
	cmdHostControllerReset = 1 << 0
	cmdControlListFilled   = 1 << 1
	cmdBulkListFilled      = 1 << 2
	cmdOwnershipChangeRequest = 1 << 3
)

// HcInterruptStatus/Enable/Disable bits (OHCI spec 7.1.5-7.1.7).
const (
	intrSchedulingOverrun = 1 << 0
	intrWritebackDoneHead = 1 << 1
	intrStartOfFrame      = 1 << 2
	intrResumeDetected    = 1 << 3
	intrUnrecoverableError = 1 << 4
	intrFrameNumberOverflow = 1 << 5
	intrRootHubStatusChange = 1 << 6
	intrOwnershipChange   = 1 << 30
	intrMasterInterruptEnable = 1 << 31
)

// HcRhDescriptorA bits.
const (
	rhaNumberDownstreamPorts = 0xFF
	rhaPowerSwitchingMode    = 1 << 8
	rhaNoPowerSwitching      = 1 << 9
	rhaDeviceType            = 1 << 10
	rhaOverCurrentProtectionMode = 1 << 11
	rhaNoOverCurrentProtection   = 1 << 12
	rhaPowerOnToPowerGoodShift   = 24
)

// HcRhPortStatus bits (OHCI spec 7.4.4), read-bits and write-clear/set
// bits share offsets the way the real register does.
const (
	rhpCurrentConnectStatus = 1 << 0
	rhpPortEnableStatus     = 1 << 1
	rhpPortSuspendStatus    = 1 << 2
	rhpPortOverCurrentIndicator = 1 << 3
	rhpPortResetStatus      = 1 << 4
	rhpPortPowerStatus      = 1 << 8
	rhpLowSpeedDeviceAttached = 1 << 9
	rhpConnectStatusChange  = 1 << 16
	rhpPortEnableStatusChange = 1 << 17
	rhpPortSuspendStatusChange = 1 << 18
	rhpOverCurrentIndicatorChange = 1 << 19
	rhpPortResetStatusChange = 1 << 20
)

// hccaStride is the byte size of the Host Controller Communications
// Area: 32 interrupt-table pointers + frame number/pad + done head,
// padded out to the mandatory 256-byte, 256-byte-aligned block.
const hccaStride = 256

const (
	hccaInterruptTableOffset = 0
	hccaFrameNumberOffset    = 128
	hccaDoneHeadOffset       = 132
)

// numInterruptTableEntries is HCCA's interrupt-endpoint head count
// (OHCI spec 7.2.1).
const numInterruptTableEntries = 32
