package trace

import "github.com/ardnew/usbhcd/pkg"

// SystemMethod names one of the kernel's built-in IPC methods, used to
// populate the "system" pseudo-protocol every connection understands
// regardless of which server it talks to.
type SystemMethod struct {
	Number uint64
	Name   string
}

// Tracer bundles the process-wide state a single trace run keeps for
// its whole lifetime: the connection table, the in-flight call table,
// the service registry, and the two pseudo-protocols ("system", for
// kernel IPC methods, and "unknown", for a connection whose protocol
// was never identified).
type Tracer struct {
	Registry     *Registry
	Connections  *Connections
	Pending      *PendingCalls
	ProtoSystem  *Proto
	ProtoUnknown *Proto
}

// NewTracer constructs a Tracer and populates ProtoSystem from
// methods.
func NewTracer(methods []SystemMethod) *Tracer {
	t := &Tracer{
		Registry:     NewRegistry(),
		Connections:  NewConnections(),
		Pending:      NewPendingCalls(),
		ProtoSystem:  NewProto("system"),
		ProtoUnknown: NewProto("unknown"),
	}

	argTypes := []ValType{VInteger, VInteger, VInteger, VInteger, VInteger}
	for _, m := range methods {
		t.ProtoSystem.AddOper(m.Number, NewOper(m.Name, argTypes, VInteger, argTypes))
	}

	pkg.LogDebug(pkg.ComponentTrace, "tracer initialized", "system_methods", len(methods))
	return t
}

// ResolveOper looks a method number up first against the system
// protocol, then against proto if given, mirroring the grounded
// tracer's "try system methods first" rule: a server is always free to
// reuse a low method number, but the kernel's own methods take
// precedence when printing.
func (t *Tracer) ResolveOper(proto *Proto, method uint64) (*Oper, bool) {
	if op, ok := t.ProtoSystem.Oper(method); ok {
		return op, true
	}
	if proto != nil {
		return proto.Oper(method)
	}
	return nil, false
}

// Hangup clears handle's connection and logs the event, mirroring
// ipcp_hangup.
func (t *Tracer) Hangup(handle int) {
	t.Connections.Clear(handle)
	pkg.LogDebug(pkg.ComponentTrace, "connection closed", "handle", handle)
}
