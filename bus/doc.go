// Package bus implements the outward "bus ops" contract described by the
// host-controller core: the small table of operations a personality
// (uhci, ohci, ehci) exposes so that a generic USB device/bus enumeration
// layer can drive it without knowing which hardware sits underneath.
//
// The core itself - bit-exact descriptors, transfer-batch builders,
// schedule lists, the HC state machine and root-hub emulation - lives in
// the personality packages. Everything in this package is a collaborator:
// address allocation, descriptor parsing, and the enumeration sequence
// that turns a freshly reset port into a configured Device. A personality
// only needs to implement [Ops]; [EndpointBase] and [BatchBase] give it
// generic, embeddable bookkeeping (endpoint identity, the single-
// outstanding-batch slot, completion signaling) so it does not have to
// reinvent that plumbing for each of UHCI/OHCI/EHCI.
package bus
