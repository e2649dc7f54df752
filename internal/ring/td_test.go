package ring

import (
	"bytes"
	"errors"
	"testing"

	"github.com/behrlich/go-xmm/internal/constants"
	"github.com/behrlich/go-xmm/internal/proto"
)

func TestCreateRing(t *testing.T) {
	h := newHarness(t)
	const id, capacity = 2, 8

	if err := h.eng.CreateRing(id, capacity); err != nil {
		t.Fatal(err)
	}

	r := h.eng.Ring(id)
	if r == nil {
		t.Fatal("created ring not in table")
	}
	if r.ID() != id || r.Capacity() != capacity || r.PageSize() != constants.PageSize {
		t.Errorf("ring shape = id %d capacity %d page %d", r.ID(), r.Capacity(), r.PageSize())
	}

	// Every slot is permanently bound to its page.
	for i := 0; i < capacity; i++ {
		if got := r.TD(i).Addr; got != r.Page(i).Bus {
			t.Errorf("slot %d bound to %#x, want %#x", i, got, r.Page(i).Bus)
		}
	}

	if h.cp.RingWritePtr(id) != 0 || h.cp.RingReadPtr(id) != 0 {
		t.Error("ring pointers not reset on create")
	}

	cmds := h.consumeCommands(t)
	if len(cmds) != 1 {
		t.Fatalf("consumed %d commands, want 1", len(cmds))
	}
	got := cmds[0]
	if got.Op != proto.CmdRingOpen || got.Parm != id || got.Len != capacity || got.Extra != proto.RingOpenConfigWord {
		t.Errorf("ring open command = %+v", got)
	}
	if got.Ptr == 0 {
		t.Error("ring open command carries no TD array address")
	}

	if h.obs.created.Load() != 1 {
		t.Errorf("created counter = %d", h.obs.created.Load())
	}
	if h.obs.cmdBells.Load() != 1 {
		t.Errorf("cmd doorbell counter = %d", h.obs.cmdBells.Load())
	}
}

func TestCreateRing_BadCapacityPanics(t *testing.T) {
	h := newHarness(t)
	for _, capacity := range []int{0, -1, 3, 6, 12} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("capacity %d: expected panic", capacity)
				}
			}()
			h.eng.CreateRing(0, capacity)
		}()
	}
}

func TestCreateRing_DuplicatePanics(t *testing.T) {
	h := newHarness(t)
	if err := h.eng.CreateRing(0, 8); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate create")
		}
	}()
	h.eng.CreateRing(0, 8)
}

func TestCreateRing_AllocFailureUnwinds(t *testing.T) {
	h := newHarness(t)
	before := len(h.alloc.live)

	// Fail midway through the per-slot page allocations.
	h.alloc.failAfter = h.alloc.allocs + 4
	if err := h.eng.CreateRing(0, 8); err == nil {
		t.Fatal("CreateRing succeeded despite allocator failure")
	}

	if got := len(h.alloc.live); got != before {
		t.Errorf("%d blocks leaked on failed create", got-before)
	}
	if h.eng.Ring(0) != nil {
		t.Error("failed create left ring in table")
	}
}

func TestDestroyRing(t *testing.T) {
	h := newHarness(t)
	if err := h.eng.CreateRing(4, 8); err != nil {
		t.Fatal(err)
	}
	h.consumeCommands(t)
	before := len(h.alloc.live)

	if err := h.eng.DestroyRing(4); err != nil {
		t.Fatal(err)
	}
	if h.eng.Ring(4) != nil {
		t.Error("destroyed ring still in table")
	}
	// TD array plus 8 pages released.
	if got := before - len(h.alloc.live); got != 9 {
		t.Errorf("released %d blocks, want 9", got)
	}

	cmds := h.consumeCommands(t)
	if len(cmds) != 1 || cmds[0].Op != proto.CmdRingClose || cmds[0].Parm != 4 {
		t.Errorf("expected single ring close for 4, got %+v", cmds)
	}
}

func TestDestroyRing_NeverCreated(t *testing.T) {
	h := newHarness(t)
	if err := h.eng.DestroyRing(7); !errors.Is(err, ErrRingNotOpen) {
		t.Fatalf("DestroyRing = %v, want ErrRingNotOpen", err)
	}
}

func TestWriteSend(t *testing.T) {
	h := newHarness(t)
	if err := h.eng.CreateRing(0, 8); err != nil {
		t.Fatal(err)
	}

	payload := []byte("hello modem")
	h.eng.WriteSend(0, payload)

	r := h.eng.Ring(0)
	if got := h.cp.RingWritePtr(0); got != 1 {
		t.Fatalf("wptr = %d, want 1", got)
	}
	td := r.TD(0)
	if int(td.Len) != len(payload) {
		t.Errorf("td len = %d, want %d", td.Len, len(payload))
	}
	if td.Addr != r.Page(0).Bus {
		t.Errorf("td addr = %#x, want bound page", td.Addr)
	}
	if !bytes.Equal(r.Page(0).Bytes[:len(payload)], payload) {
		t.Error("payload not copied into slot buffer")
	}
}

func TestWriteSend_CapacityMinusOne(t *testing.T) {
	h := newHarness(t)
	if err := h.eng.CreateRing(0, 8); err != nil {
		t.Fatal(err)
	}

	// With the device idle, 7 writes fit; the ring then reports full.
	for i := 0; i < 7; i++ {
		if h.eng.IsFull(0) {
			t.Fatalf("ring full after %d writes", i)
		}
		h.eng.WriteSend(0, []byte{byte(i)})
	}
	if !h.eng.IsFull(0) {
		t.Fatal("ring not full after 7 writes")
	}

	// Device consumes one descriptor; exactly one slot opens up.
	h.cp.SetRingReadPtr(0, 1)
	if h.eng.IsFull(0) {
		t.Fatal("ring still full after device consumed a slot")
	}
	h.eng.WriteSend(0, []byte{7})
	if !h.eng.IsFull(0) {
		t.Fatal("ring not full again after refilling the slot")
	}
}

func TestWriteSend_Panics(t *testing.T) {
	h := newHarness(t)
	if err := h.eng.CreateRing(0, 8); err != nil {
		t.Fatal(err)
	}
	if err := h.eng.CreateRing(1, 8); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func()
	}{
		{"ring not open", func() { h.eng.WriteSend(6, []byte("x")) }},
		{"receive ring", func() { h.eng.WriteSend(1, []byte("x")) }},
		{"oversized payload", func() { h.eng.WriteSend(0, make([]byte, constants.PageSize+1)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.fn()
		})
	}
}

func TestPostReceiveSlot(t *testing.T) {
	h := newHarness(t)
	if err := h.eng.CreateRing(1, 8); err != nil {
		t.Fatal(err)
	}

	// 7 donations fill a capacity-8 ring.
	for i := 0; i < 7; i++ {
		if h.eng.IsFull(1) {
			t.Fatalf("ring full after %d posts", i)
		}
		if err := h.eng.PostReceiveSlot(1); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	if !h.eng.IsFull(1) {
		t.Fatal("ring not full after 7 posts")
	}

	// Every donated descriptor advertises the full page.
	r := h.eng.Ring(1)
	for i := 0; i < 7; i++ {
		td := r.TD(i)
		if int(td.Len) != constants.PageSize {
			t.Errorf("slot %d donated %d bytes, want full page", i, td.Len)
		}
		if td.Flags != 0 {
			t.Errorf("slot %d donated with flags %#x", i, td.Flags)
		}
	}

	// Device fills one buffer; exactly one more donation fits.
	h.cp.SetRingReadPtr(1, 1)
	if err := h.eng.PostReceiveSlot(1); err != nil {
		t.Fatalf("post after consumption: %v", err)
	}
	if !h.eng.IsFull(1) {
		t.Fatal("ring not full after re-donation")
	}
	if h.obs.posted.Load() != 8 {
		t.Errorf("posted counter = %d, want 8", h.obs.posted.Load())
	}
}

func TestWriteSend_FullRingPanics(t *testing.T) {
	h := newHarness(t)
	if err := h.eng.CreateRing(0, 8); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 7; i++ {
		h.eng.WriteSend(0, []byte{byte(i)})
	}

	// The 8th write would land the write pointer on the read pointer.
	defer func() {
		if recover() == nil {
			t.Error("expected panic writing to a full ring")
		}
	}()
	h.eng.WriteSend(0, []byte{7})
}

func TestPostReceiveSlot_FullRingPanics(t *testing.T) {
	h := newHarness(t)
	if err := h.eng.CreateRing(1, 8); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 7; i++ {
		if err := h.eng.PostReceiveSlot(1); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic posting to a full ring")
		}
	}()
	h.eng.PostReceiveSlot(1)
}

func TestPostReceiveSlot_Errors(t *testing.T) {
	h := newHarness(t)
	if err := h.eng.CreateRing(0, 8); err != nil {
		t.Fatal(err)
	}

	if err := h.eng.PostReceiveSlot(3); !errors.Is(err, ErrRingNotOpen) {
		t.Errorf("post on missing ring = %v, want ErrRingNotOpen", err)
	}
	if err := h.eng.PostReceiveSlot(0); !errors.Is(err, ErrWrongDirection) {
		t.Errorf("post on send ring = %v, want ErrWrongDirection", err)
	}
}

func TestReceiveReady(t *testing.T) {
	h := newHarness(t)
	if h.eng.ReceiveReady(1) {
		t.Error("missing ring reports ready")
	}

	if err := h.eng.CreateRing(1, 8); err != nil {
		t.Fatal(err)
	}
	h.eng.PostReceiveSlot(1)
	if h.eng.ReceiveReady(1) {
		t.Error("ready with nothing delivered")
	}

	// Device fills the donated slot and advances its read pointer.
	h.cp.SetRingReadPtr(1, 1)
	if !h.eng.ReceiveReady(1) {
		t.Error("not ready after device delivery")
	}

	h.eng.Ring(1).AdvanceLastHandled()
	if h.eng.ReceiveReady(1) {
		t.Error("still ready after host handled the slot")
	}
}
