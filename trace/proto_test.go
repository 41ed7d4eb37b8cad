package trace

import "testing"

func TestProto_AddAndLookup(t *testing.T) {
	p := NewProto("test")
	op := NewOper("frob", []ValType{VInteger, VPtr}, VErrno, nil)
	p.AddOper(7, op)

	got, ok := p.Oper(7)
	if !ok {
		t.Fatal("Oper(7) not found")
	}
	if got.Name != "frob" {
		t.Errorf("Name = %q, want %q", got.Name, "frob")
	}
	if len(got.ArgTypes) != 2 || got.ArgTypes[0] != VInteger || got.ArgTypes[1] != VPtr {
		t.Errorf("ArgTypes = %v", got.ArgTypes)
	}

	if _, ok := p.Oper(8); ok {
		t.Error("Oper(8) should not be found")
	}
}

func TestNewOper_CopiesSlices(t *testing.T) {
	argTypes := []ValType{VInteger}
	op := NewOper("x", argTypes, VVoid, nil)
	argTypes[0] = VChar

	if op.ArgTypes[0] != VInteger {
		t.Errorf("NewOper did not copy argTypes: got %v after mutating caller slice", op.ArgTypes)
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	p := NewProto("svc")
	r.Register(3, p)

	got, ok := r.ByService(3)
	if !ok || got != p {
		t.Fatalf("ByService(3) = %v, %v; want %v, true", got, ok, p)
	}

	if _, ok := r.ByService(4); ok {
		t.Error("ByService(4) should not be found")
	}
}
