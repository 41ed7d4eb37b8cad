// Package uhci implements the UHCI (Universal Host Controller
// Interface) personality: USB 1.1 at up to full speed, programmed
// through an 32-byte I/O port register window rather than memory-mapped
// registers, with software-built Transfer Descriptor (TD) and Queue
// Head (QH) chains linked by 32-bit Link Pointers into a 1024-entry
// frame list the controller walks once per 1ms frame.
//
// Every descriptor word this package writes goes through
// [github.com/ardnew/usbhcd/internal/barrier] at the point where the
// controller is allowed to start polling it, so a TD or QH is never
// observed half-initialized. Descriptor storage comes from
// [github.com/ardnew/usbhcd/internal/dma], addressed by [dma.Index]
// instead of a Go pointer, mirroring the design notes' pointer-to-index
// substitution for DMA-visible memory.
package uhci
