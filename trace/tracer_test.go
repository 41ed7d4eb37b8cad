package trace

import "testing"

func TestNewTracer_PopulatesSystemProto(t *testing.T) {
	tr := NewTracer([]SystemMethod{
		{Number: 1, Name: "IPC_M_PHONE_HUNGUP"},
		{Number: 2, Name: "IPC_M_CONNECT_TO_ME"},
	})

	op, ok := tr.ProtoSystem.Oper(1)
	if !ok {
		t.Fatal("ProtoSystem.Oper(1) not found")
	}
	if op.Name != "IPC_M_PHONE_HUNGUP" {
		t.Errorf("Name = %q, want IPC_M_PHONE_HUNGUP", op.Name)
	}
	if len(op.ArgTypes) != 5 {
		t.Errorf("ArgTypes length = %d, want 5", len(op.ArgTypes))
	}
}

func TestTracer_ResolveOper_SystemTakesPrecedence(t *testing.T) {
	tr := NewTracer([]SystemMethod{{Number: 1, Name: "sys_op"}})
	userProto := NewProto("user")
	userProto.AddOper(1, NewOper("user_op", nil, VInteger, nil))

	op, ok := tr.ResolveOper(userProto, 1)
	if !ok {
		t.Fatal("ResolveOper(1) not found")
	}
	if op.Name != "sys_op" {
		t.Errorf("ResolveOper should prefer the system method, got %q", op.Name)
	}
}

func TestTracer_ResolveOper_FallsBackToProto(t *testing.T) {
	tr := NewTracer(nil)
	userProto := NewProto("user")
	userProto.AddOper(42, NewOper("user_op", nil, VInteger, nil))

	op, ok := tr.ResolveOper(userProto, 42)
	if !ok {
		t.Fatal("ResolveOper(42) not found")
	}
	if op.Name != "user_op" {
		t.Errorf("Name = %q, want user_op", op.Name)
	}
}

func TestTracer_ResolveOper_NotFound(t *testing.T) {
	tr := NewTracer(nil)
	if _, ok := tr.ResolveOper(nil, 99); ok {
		t.Error("ResolveOper(99) with no proto should report not found")
	}
}

func TestTracer_Hangup(t *testing.T) {
	tr := NewTracer(nil)
	tr.Connections.Set(3, 1, NewProto("svc"))

	tr.Hangup(3)

	if _, ok := tr.Connections.Get(3); ok {
		t.Error("Hangup should clear the connection")
	}
}
