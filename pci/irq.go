package pci

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ardnew/usbhcd/pkg"
)

// IRQLine discovers the legacy INTx line number a PCI function is wired
// to, by reading sysfs "irq". Controllers that support MSI have that
// number replaced by the kernel with the MSI vector once MSI is
// enabled; this function always reflects whichever is currently active.
func IRQLine(addr Address) (int, error) {
	data, err := os.ReadFile(addr.sysfsPath() + "/irq")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pci: parse irq: %w", err)
	}
	pkg.LogDebug(pkg.ComponentPCI, "irq line", "addr", addr, "irq", n)
	return n, nil
}

// EnableBusMaster sets the PCI command register's bus-master and
// memory-space-decode bits, required before a controller can issue any
// DMA or be addressed through a memory BAR.
func EnableBusMaster(cfg *Config) error {
	cmd, err := cfg.ReadU16(OffsetCommand)
	if err != nil {
		return err
	}
	cmd |= CommandMemorySpace | CommandBusMaster
	return cfg.WriteU16(OffsetCommand, cmd)
}

// DisableINTx masks legacy line-based interrupts, the step every
// personality's HC core takes before switching a controller into
// MSI/MSI-X mode (or simply to quiesce during shutdown).
func DisableINTx(cfg *Config) error {
	cmd, err := cfg.ReadU16(OffsetCommand)
	if err != nil {
		return err
	}
	cmd |= CommandINTxDisable
	return cfg.WriteU16(OffsetCommand, cmd)
}
