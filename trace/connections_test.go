package trace

import "testing"

func TestConnections_SetGetClear(t *testing.T) {
	c := NewConnections()
	p := NewProto("svc")

	if _, ok := c.Get(1); ok {
		t.Fatal("Get on empty table should report not found")
	}

	c.Set(1, 5, p)
	got, ok := c.Get(1)
	if !ok {
		t.Fatal("Get(1) not found after Set")
	}
	if got.Server != 5 || got.Proto != p {
		t.Errorf("Get(1) = %+v, want Server=5 Proto=%v", got, p)
	}

	c.Clear(1)
	if _, ok := c.Get(1); ok {
		t.Error("Get(1) should not be found after Clear")
	}
}

func TestPendingCalls_CallOutCallIn(t *testing.T) {
	p := NewPendingCalls()
	op := NewOper("read", []ValType{VInteger}, VIntErrno, nil)

	if _, ok := p.CallIn(0xabc); ok {
		t.Fatal("CallIn on empty table should report not found")
	}

	p.CallOut(0xabc, PendingCall{Handle: 2, Method: 9, Oper: op})

	got, ok := p.CallIn(0xabc)
	if !ok {
		t.Fatal("CallIn(0xabc) not found after CallOut")
	}
	if got.Handle != 2 || got.Method != 9 || got.Oper != op {
		t.Errorf("CallIn(0xabc) = %+v", got)
	}

	// Second CallIn for the same hash must fail: the call was consumed.
	if _, ok := p.CallIn(0xabc); ok {
		t.Error("CallIn(0xabc) should not be found a second time")
	}
}
