package pci

import (
	"time"

	"github.com/ardnew/usbhcd/pkg"
)

// EHCI Legacy Support extended capability (EHCI spec appendix C).
const (
	ehciExtCapLegacySupport = 0x01

	ehciLegSupOffsetCapID   = 0x00
	ehciLegSupOffsetNextPtr = 0x01
	ehciLegSupOffsetBIOSOwned = 0x02
	ehciLegSupOffsetOSOwned  = 0x03

	ehciLegCtlStsOffset = 0x04
	ehciLegCtlStsSMISMIOnOSOwnership = 1 << 13
)

// BIOSHandoff performs the EHCI BIOS-to-OS ownership hand-off (EHCI
// spec appendix C.1.1): locate the Legacy Support extended capability in
// the function's PCI extended configuration space, set the OS-owned
// semaphore, and poll until the BIOS clears its own, then clear any
// pending SMI sources so the BIOS's SMI handler does not fight the
// driver for the controller afterward.
//
// ehciCapOffset is the byte offset of this capability within extended
// (not standard) configuration space; it is discovered by walking PCI
// extended capabilities starting at offset 0x100, which is outside what
// [Config.CapabilityOffsets] (standard capability list) covers, so
// callers locate it themselves and pass it in.
func BIOSHandoff(cfg *Config, ehciCapOffset int64, timeout time.Duration) error {
	capID, err := cfg.ReadU8(ehciCapOffset + ehciLegSupOffsetCapID)
	if err != nil {
		return err
	}
	if capID != ehciExtCapLegacySupport {
		return nil // no legacy-support capability present; nothing to hand off
	}

	if err := cfg.WriteU8(ehciCapOffset+ehciLegSupOffsetOSOwned, 1); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		biosOwned, err := cfg.ReadU8(ehciCapOffset + ehciLegSupOffsetBIOSOwned)
		if err != nil {
			return err
		}
		if biosOwned == 0 {
			break
		}
		if time.Now().After(deadline) {
			pkg.LogWarn(pkg.ComponentPCI, "BIOS did not release EHCI ownership in time")
			// Force it: clear the BIOS-owned semaphore directly, the EHCI
			// spec's sanctioned fallback when polling times out.
			if err := cfg.WriteU8(ehciCapOffset+ehciLegSupOffsetBIOSOwned, 0); err != nil {
				return err
			}
			break
		}
		time.Sleep(time.Millisecond)
	}

	// Clear SMI status bits and disable SMI-on-ownership-change so the
	// firmware's SMI handler stays out of the controller from here on.
	status, err := cfg.ReadU32(ehciCapOffset + ehciLegCtlStsOffset)
	if err != nil {
		return err
	}
	status &^= ehciLegCtlStsSMISMIOnOSOwnership
	return cfg.WriteU32(ehciCapOffset+ehciLegCtlStsOffset, status)
}
