// Package ehci implements the EHCI (Enhanced Host Controller
// Interface) personality: USB 2.0 high speed, programmed through a
// capability register block (read-only, sized by hciversion/hcsparams)
// followed by an operational register block - the same split UHCI and
// OHCI each collapse into a single window, broken out here because a
// caller must read CAPLENGTH before it knows where the operational
// registers start.
//
// EHCI's schedule is two independent structures: a periodic frame list
// of up to 1024 entries (queue heads and split/high-bandwidth iso TDs,
// though this module only populates queue heads - see Non-goals) and a
// single circular asynchronous queue-head ring walked every microframe.
// Queue heads carry an embedded overlay area the controller copies its
// current TD into, and TDs describe buffers with up to five 4KiB-aligned
// page pointers so a single TD can span a non-contiguous 16KiB buffer
// without software ever having to fragment it at page boundaries.
//
// Full/low-speed devices reached through a transaction-translating hub
// are out of scope (see Non-goals); every endpoint this package manages
// is addressed directly at high speed. Ports owned by this controller
// but found to be running below high speed during reset are released
// to a companion host controller the same way real EHCI silicon
// requires, including the "forgets to report the release" detail
// documented where that hand-off happens.
package ehci
