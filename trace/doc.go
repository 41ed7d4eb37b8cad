// Package trace models the bookkeeping a userspace IPC/syscall tracer
// keeps across the life of a traced task: a small table of named
// operations grouped into protocols, a handle-keyed map from an opaque
// connection handle to the protocol bound to it, and command-line
// argument parsing for choosing what to trace.
//
// Protocol descriptors are data, not behavior: this package never
// performs IPC itself, it only gives a caller who does a place to look
// up how to print a method number and its arguments.
package trace
