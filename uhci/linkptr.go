package uhci

// linkPointer is the 32-bit word UHCI uses to chain frame list entries,
// QH.Next/QH.Element, and TD.Next fields together (UHCI spec 3.1).
type linkPointer uint32

const (
	linkTerminate = 1 << 0 // no valid link; stop traversal
	linkQH        = 1 << 1 // pointed-to descriptor is a QH, not a TD
	linkVF        = 1 << 2 // depth-first: follow QH.Element before QH.Next

	linkAddressMask = 0xFFFFFFF0
)

// linkTD builds a link pointer to a TD at the given 16-byte-aligned
// physical address.
func linkTD(addr uint32) linkPointer {
	return linkPointer(addr & linkAddressMask)
}

// linkQHPtr builds a link pointer to a QH at the given aligned address.
func linkQHPtr(addr uint32) linkPointer {
	return linkPointer(addr&linkAddressMask) | linkQH
}

// linkTerm is the terminating link pointer value.
const linkTerm linkPointer = linkTerminate

// withVF sets the depth-first traversal bit, used when a QH's element
// pointer should be visited before its sibling queue head.
func (l linkPointer) withVF() linkPointer { return l | linkVF }

func (l linkPointer) isTerminate() bool { return l&linkTerminate != 0 }
func (l linkPointer) isQH() bool        { return l&linkQH != 0 }
func (l linkPointer) address() uint32   { return uint32(l) & linkAddressMask }
