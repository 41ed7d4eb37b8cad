// Package roothub implements the root-hub emulation scaffolding shared
// by all three personalities (§4.4): translating standard hub-class
// control requests into reads and writes against a personality's
// port-status registers, synthesizing the hub descriptor a USB hub
// driver expects to see, and running the "status-change endpoint"
// NAK-park pattern a real hub uses to report port changes
// asynchronously.
//
// A personality implements [PortOps] against its own register map
// ([bar.ReadU32]-style accessors) and wraps an [Emulator] around it; the
// emulator owns none of the hardware state itself; it is built for a
// single mutable PortOps whose methods already apply any personality-
// specific quirks (OHCI's separate set/clear-status registers, UHCI's
// 16-bit PORTSC, EHCI's combined PORTSC word).
package roothub
