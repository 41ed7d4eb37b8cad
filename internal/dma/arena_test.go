package dma

import "testing"

func TestArena_AllocZeroedAndDistinct(t *testing.T) {
	a := New(16, 4)

	i1, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc returned error: %v", err)
	}
	if i1 == 0 {
		t.Fatal("Alloc returned the null index")
	}

	b := a.Bytes(i1)
	for i := range b {
		b[i] = 0xAA
	}

	i2, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc returned error: %v", err)
	}
	if i2 == i1 {
		t.Fatal("Alloc returned the same index twice")
	}
	for _, v := range a.Bytes(i2) {
		if v != 0 {
			t.Fatal("freshly allocated slot is not zeroed")
		}
	}
}

func TestArena_ExhaustsCapacity(t *testing.T) {
	a := New(8, 2)
	if _, err := a.Alloc(); err != nil {
		t.Fatalf("first Alloc: %v", err)
	}
	if _, err := a.Alloc(); err != nil {
		t.Fatalf("second Alloc: %v", err)
	}
	if _, err := a.Alloc(); err == nil {
		t.Fatal("third Alloc on a 2-capacity arena should fail")
	}
}

func TestArena_FreeAndReuse(t *testing.T) {
	a := New(8, 1)
	idx, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	a.Bytes(idx)[0] = 0xFF
	a.Free(idx)

	idx2, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
	if idx2 != idx {
		t.Errorf("expected the freed slot to be reused, got a different index")
	}
	if a.Bytes(idx2)[0] != 0 {
		t.Error("reused slot was not re-zeroed")
	}
}

func TestArena_StrideAndCapacity(t *testing.T) {
	a := New(32, 10)
	if got := a.Stride(); got != 32 {
		t.Errorf("Stride() = %d, want 32", got)
	}
	if got := a.Capacity(); got != 10 {
		t.Errorf("Capacity() = %d, want 10", got)
	}
}
