// Package ohci implements the OHCI (Open Host Controller Interface)
// personality: USB 1.1 at up to full speed, programmed through
// memory-mapped 32-bit registers, with a Host Controller Communications
// Area (HCCA) the controller uses to publish the current frame number
// and a linked "done queue" of completed Transfer Descriptors (TDs),
// and Endpoint Descriptors (EDs) that chain TDs per endpoint using a
// head/tail pointer pair rather than UHCI's single element pointer.
//
// Every descriptor word this package writes goes through
// [github.com/ardnew/usbhcd/internal/barrier] at the point hardware is
// allowed to start polling it, matching the "no half-published
// descriptor" invariant shared with every other personality. Descriptor
// storage comes from [github.com/ardnew/usbhcd/internal/dma], addressed
// by [dma.Index] rather than a Go pointer.
package ohci
