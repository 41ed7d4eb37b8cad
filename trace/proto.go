package trace

import "sync"

// ValType identifies how an operation's argument, return, or response
// slot should be interpreted when printed.
type ValType int

// Value type tags.
const (
	VVoid ValType = iota
	VInteger
	VPtr
	VHash
	VErrno
	VIntErrno
	VChar
)

// Oper describes one named operation within a [Proto]: its argument
// types, its return type, and the types of any additional response
// values carried back in the answer.
type Oper struct {
	Name      string
	ArgTypes  []ValType
	RVType    ValType
	RespTypes []ValType
}

// NewOper constructs an Oper. argTypes and respTypes are copied so the
// caller's backing arrays may be reused across calls.
func NewOper(name string, argTypes []ValType, rvType ValType, respTypes []ValType) *Oper {
	o := &Oper{Name: name, RVType: rvType}
	o.ArgTypes = append(o.ArgTypes, argTypes...)
	o.RespTypes = append(o.RespTypes, respTypes...)
	return o
}

// Proto is a named collection of operations keyed by IPC method
// number, e.g. "system" (the pseudo-protocol of kernel IPC methods
// every connection understands) or a server-specific protocol
// registered under a service ID.
type Proto struct {
	Name string

	mu    sync.RWMutex
	opers map[uint64]*Oper
}

// NewProto constructs an empty protocol named name.
func NewProto(name string) *Proto {
	return &Proto{Name: name, opers: make(map[uint64]*Oper)}
}

// AddOper binds method to op within p.
func (p *Proto) AddOper(method uint64, op *Oper) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opers[method] = op
}

// Oper looks up the operation bound to method, reporting ok=false if
// this protocol has nothing registered for it.
func (p *Proto) Oper(method uint64) (op *Oper, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	op, ok = p.opers[method]
	return op, ok
}

// Registry maps a service identifier to the [Proto] describing its
// methods, so a connection established via IPC_M_CONNECT_ME_TO can be
// bound to the right protocol once its target service is known.
type Registry struct {
	mu        sync.RWMutex
	byService map[int]*Proto
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{byService: make(map[int]*Proto)}
}

// Register binds service to proto, overwriting any previous binding.
func (r *Registry) Register(service int, proto *Proto) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byService[service] = proto
}

// ByService looks up the protocol registered for service.
func (r *Registry) ByService(service int) (proto *Proto, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	proto, ok = r.byService[service]
	return proto, ok
}
