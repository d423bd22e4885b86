package heap

import (
	"sync"
	"testing"
)

func TestAllocFree(t *testing.T) {
	h := New()

	a, err := h.Alloc(10)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b, err := h.Alloc(3)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if a.IsNull() || b.IsNull() {
		t.Fatal("allocation returned null")
	}
	if b <= a {
		t.Errorf("addresses not monotonic: %d then %d", a, b)
	}
	if uint32(b)%align != 0 {
		t.Errorf("address %d not aligned", b)
	}

	s := h.Stats()
	if s.Live != 2 || s.LiveBytes != 13 {
		t.Errorf("stats = %+v", s)
	}

	if err := h.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := h.Free(b); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if h.Stats().Leaked() {
		t.Errorf("leak after freeing everything: %+v", h.Stats())
	}
}

func TestFree_Ledger(t *testing.T) {
	h := New()
	p, _ := h.Alloc(4)

	if err := h.Free(0); err != nil {
		t.Errorf("free(null) should be a no-op, got %v", err)
	}
	if err := h.Free(p); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := h.Free(p); err == nil {
		t.Error("expected double free error")
	}
	if err := h.Free(p + 1); err == nil {
		t.Error("expected invalid free error")
	}

	s := h.Stats()
	if s.DoubleFrees != 1 {
		t.Errorf("DoubleFrees = %d, want 1", s.DoubleFrees)
	}
	if s.InvalidFrees != 1 {
		t.Errorf("InvalidFrees = %d, want 1", s.InvalidFrees)
	}
	if s.Frees != 1 || s.Allocs != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestReadWrite(t *testing.T) {
	h := New()
	p, _ := h.Alloc(8)

	if err := h.WriteU32(uint32(p)+4, 0xdeadbeef); err != nil {
		t.Fatalf("WriteU32: %v", err)
	}
	v, err := h.ReadU32(uint32(p) + 4)
	if err != nil {
		t.Fatalf("ReadU32: %v", err)
	}
	if v != 0xdeadbeef {
		t.Errorf("ReadU32 = %#x", v)
	}

	// Straddling the end of the block faults.
	if _, err := h.Read(uint32(p)+6, 4); err == nil {
		t.Error("expected out of block error")
	}
	// Unmapped address.
	if _, err := h.ReadU8(1); err == nil {
		t.Error("expected unmapped error")
	}

	_ = h.Free(p)
	if _, err := h.ReadU8(uint32(p)); err == nil {
		t.Error("expected use after free error")
	}
}

func TestRead_ReturnsCopy(t *testing.T) {
	h := New()
	p, _ := h.Alloc(4)
	_ = h.Write(uint32(p), []byte("abcd"))

	b, _ := h.Read(uint32(p), 4)
	b[0] = 'z'

	again, _ := h.Read(uint32(p), 4)
	if string(again) != "abcd" {
		t.Errorf("heap mutated through read copy: %q", again)
	}
}

func TestConcurrentAlloc(t *testing.T) {
	h := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p, err := h.Alloc(16)
				if err != nil {
					t.Error(err)
					return
				}
				_ = h.WriteU8(uint32(p), 1)
				_ = h.Free(p)
			}
		}()
	}
	wg.Wait()

	s := h.Stats()
	if s.Allocs != 1600 || s.Frees != 1600 || s.Leaked() {
		t.Errorf("stats = %+v", s)
	}
}

func TestQuarantineRecycles(t *testing.T) {
	h := New()

	first, _ := h.Alloc(24)
	_ = h.Free(first)

	// A recently released address is never handed out again.
	again, _ := h.Alloc(24)
	if again == first {
		t.Fatal("address reused while quarantined")
	}
	_ = h.Free(again)

	for i := 0; i < quarantineSize; i++ {
		p, err := h.Alloc(8)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		_ = h.Free(p)
	}

	recycled, _ := h.Alloc(24)
	if recycled != first {
		t.Errorf("expected %d to be recycled, got %d", first, recycled)
	}
	if err := h.Free(recycled); err != nil {
		t.Errorf("Free recycled: %v", err)
	}
}
