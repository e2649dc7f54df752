package queue

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/behrlich/go-xmm/internal/devsim"
	"github.com/behrlich/go-xmm/internal/logging"
	"github.com/behrlich/go-xmm/internal/proto"
	"github.com/behrlich/go-xmm/internal/regs"
	"github.com/behrlich/go-xmm/internal/ring"
)

type harness struct {
	sim  *devsim.Sim
	eng  *ring.Engine
	pair *Pair
}

// newHarness brings up a simulated modem far enough for ring traffic: the
// control page is allocated from the sim's bus space, published, and
// attached through the enable handshake.
func newHarness(t *testing.T, qp int) *harness {
	t.Helper()

	sim := devsim.New()
	blk, err := sim.Alloc(proto.ControlPageBytes)
	if err != nil {
		t.Fatal(err)
	}
	cp := proto.NewControlPage(blk)
	cp.PublishAddresses()

	sim.Bar2().Write32(regs.Bar2Control, uint32(blk.Bus))
	sim.Bar2().Write32(regs.Bar2ControlH, uint32(blk.Bus>>32))
	sim.Bar0().Write32(regs.Bar0Mode, regs.ModeEnabled)
	sim.Bar0().Write32(regs.Bar0Mode, regs.ModeInterrupts)

	log := logging.NewLogger(&logging.Config{
		Level:  logging.LevelError,
		Format: "json",
		Output: io.Discard,
		Sync:   true,
	})
	eng := ring.NewEngine(ring.Config{
		Bar0:   sim.Bar0(),
		Page:   cp,
		Alloc:  sim,
		Logger: log,
	})
	pair := NewPair(qp, eng, log)

	// Route the sim's progress interrupt the way the device layer does.
	sim.OnInterrupt = func(line int) {
		eng.NotifyProgress()
		pair.NotifyReceive()
	}
	return &harness{sim: sim, eng: eng, pair: pair}
}

func TestOpenClose(t *testing.T) {
	h := newHarness(t, 1)

	if h.pair.IsOpen() {
		t.Fatal("fresh pair reports open")
	}
	if err := h.pair.Open(); err != nil {
		t.Fatal(err)
	}
	if !h.pair.IsOpen() {
		t.Fatal("pair not open after Open")
	}

	// Pair 1 owns rings 2 (send) and 3 (receive).
	if !h.sim.RingRegistered(2) || !h.sim.RingRegistered(3) {
		t.Error("device did not register both rings")
	}
	// Receive ring pre-armed to capacity-1.
	if !h.eng.IsFull(3) {
		t.Error("receive ring not pre-armed full")
	}

	if err := h.pair.Close(); err != nil {
		t.Fatal(err)
	}
	if h.pair.IsOpen() {
		t.Fatal("pair still open after Close")
	}
	if h.sim.RingRegistered(2) || h.sim.RingRegistered(3) {
		t.Error("device still has rings registered after Close")
	}
}

func TestOpen_AlreadyOpen(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.pair.Open(); err != nil {
		t.Fatal(err)
	}

	wptr := h.eng.Page().CommandWritePtr()
	if err := h.pair.Open(); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("second Open = %v, want ErrAlreadyOpen", err)
	}
	if got := h.eng.Page().CommandWritePtr(); got != wptr {
		t.Error("rejected Open still submitted commands")
	}
	if !h.pair.IsOpen() {
		t.Error("rejected Open closed the pair")
	}
}

func TestClose_NotOpen(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.pair.Close(); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Close = %v, want ErrNotOpen", err)
	}

	// Open then double-close: the second must see ErrNotOpen and leave the
	// device untouched.
	if err := h.pair.Open(); err != nil {
		t.Fatal(err)
	}
	if err := h.pair.Close(); err != nil {
		t.Fatal(err)
	}
	wptr := h.eng.Page().CommandWritePtr()
	if err := h.pair.Close(); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("double Close = %v, want ErrNotOpen", err)
	}
	if got := h.eng.Page().CommandWritePtr(); got != wptr {
		t.Error("rejected Close still submitted commands")
	}
}

func TestWrite(t *testing.T) {
	h := newHarness(t, 2)
	if err := h.pair.Open(); err != nil {
		t.Fatal(err)
	}

	payloads := [][]byte{[]byte("at+cpin?"), []byte("at+csq"), {0x00, 0xff, 0x7f}}
	for _, p := range payloads {
		if err := h.pair.Write(p); err != nil {
			t.Fatalf("Write(%q): %v", p, err)
		}
	}

	sent := h.sim.Sent(4)
	if len(sent) != len(payloads) {
		t.Fatalf("device drained %d payloads, want %d", len(sent), len(payloads))
	}
	for i := range payloads {
		if !bytes.Equal(sent[i], payloads[i]) {
			t.Errorf("payload %d = %q, want %q", i, sent[i], payloads[i])
		}
	}
}

func TestWrite_NotOpen(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.pair.Write([]byte("x")); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Write = %v, want ErrNotOpen", err)
	}
}

func TestWrite_SendFull(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.pair.Open(); err != nil {
		t.Fatal(err)
	}

	// With the device not draining, capacity-1 writes fit.
	h.sim.HoldData()
	for i := 0; i < 7; i++ {
		if err := h.pair.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := h.pair.Write([]byte{7}); !errors.Is(err, ErrSendFull) {
		t.Fatalf("write on full ring = %v, want ErrSendFull", err)
	}

	// Device drains; writes go through again.
	h.sim.ReleaseData()
	if err := h.pair.Write([]byte{8}); err != nil {
		t.Fatalf("write after drain: %v", err)
	}
}

func TestRead(t *testing.T) {
	h := newHarness(t, 3)
	if err := h.pair.Open(); err != nil {
		t.Fatal(err)
	}

	want := []byte("+CSQ: 23,99")
	if err := h.sim.Deliver(7, want); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 64)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := h.pair.Read(ctx, buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], want) {
		t.Errorf("Read = %q, want %q", buf[:n], want)
	}
}

func TestRead_BlocksUntilDelivery(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.pair.Open(); err != nil {
		t.Fatal(err)
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	buf := make([]byte, 64)
	go func() {
		n, err := h.pair.Read(context.Background(), buf)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("Read returned (%d, %v) with nothing delivered", r.n, r.err)
	case <-time.After(20 * time.Millisecond):
	}

	if err := h.sim.Deliver(1, []byte("late")); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatal(r.err)
		}
		if !bytes.Equal(buf[:r.n], []byte("late")) {
			t.Errorf("Read = %q, want %q", buf[:r.n], "late")
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not wake on delivery")
	}
}

func TestRead_Truncates(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.pair.Open(); err != nil {
		t.Fatal(err)
	}

	if err := h.sim.Deliver(1, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 4)
	n, err := h.pair.Read(context.Background(), buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || !bytes.Equal(buf, []byte("0123")) {
		t.Errorf("Read = (%d, %q), want (4, 0123)", n, buf)
	}

	// The tail is discarded, not buffered: the next delivery is what the
	// next read sees.
	if err := h.sim.Deliver(1, []byte("next")); err != nil {
		t.Fatal(err)
	}
	big := make([]byte, 64)
	n, err = h.pair.Read(context.Background(), big)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(big[:n], []byte("next")) {
		t.Errorf("second Read = %q, want next", big[:n])
	}
}

func TestRead_SlotsRecycle(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.pair.Open(); err != nil {
		t.Fatal(err)
	}

	// Far more deliveries than the ring holds; each read returns the
	// credit the next delivery uses.
	buf := make([]byte, 8)
	for i := 0; i < 25; i++ {
		want := []byte{byte(i)}
		if err := h.sim.Deliver(1, want); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		n, err := h.pair.Read(context.Background(), buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if n != 1 || buf[0] != byte(i) {
			t.Fatalf("read %d = (%d, %v)", i, n, buf[:n])
		}
	}
}

func TestRead_NoCredit(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.pair.Open(); err != nil {
		t.Fatal(err)
	}

	// Exhaust the 7 pre-armed slots without reading.
	for i := 0; i < 7; i++ {
		if err := h.sim.Deliver(1, []byte{byte(i)}); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if err := h.sim.Deliver(1, []byte{0xff}); !errors.Is(err, devsim.ErrNoReceiveSlot) {
		t.Fatalf("delivery past credit = %v, want ErrNoReceiveSlot", err)
	}

	// One read frees one slot.
	buf := make([]byte, 8)
	if _, err := h.pair.Read(context.Background(), buf); err != nil {
		t.Fatal(err)
	}
	if err := h.sim.Deliver(1, []byte{0xff}); err != nil {
		t.Fatalf("delivery after read: %v", err)
	}
}

func TestRead_ConcurrentReaders(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.pair.Open(); err != nil {
		t.Fatal(err)
	}

	// Two readers race for deliveries on one pair; between them every
	// payload must be seen exactly once, with the receive cursor advancing
	// under one reader while the other re-checks it in its wait predicate.
	const total = 24
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan byte, total)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 8)
			for {
				n, err := h.pair.Read(ctx, buf)
				if err != nil {
					return
				}
				if n == 1 {
					results <- buf[0]
				}
			}
		}()
	}

	for i := 0; i < total; i++ {
		for {
			err := h.sim.Deliver(1, []byte{byte(i)})
			if err == nil {
				break
			}
			if !errors.Is(err, devsim.ErrNoReceiveSlot) {
				t.Fatalf("delivery %d: %v", i, err)
			}
			// All donated buffers in flight; the readers will re-post.
			time.Sleep(time.Millisecond)
		}
	}

	seen := make(map[byte]bool)
	for i := 0; i < total; i++ {
		select {
		case b := <-results:
			if seen[b] {
				t.Fatalf("payload %d read twice", b)
			}
			seen[b] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d deliveries read", len(seen), total)
		}
	}
	cancel()
	wg.Wait()
}

func TestRead_Cancelled(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.pair.Open(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.pair.Read(ctx, make([]byte, 8)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Read = %v, want deadline exceeded", err)
	}
}

func TestRead_WokenByClose(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.pair.Open(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.pair.Read(context.Background(), make([]byte, 8))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := h.pair.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrNotOpen) {
			t.Fatalf("Read after Close = %v, want ErrNotOpen", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not wake on Close")
	}
}
