package gpucache

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeMemory is an in-process GuestMemory backed by a flat byte slice,
// used so cache tests don't need a real Vulkan device.
type fakeMemory struct {
	mu   sync.Mutex
	data []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{data: make([]byte, size)}
}

func (m *fakeMemory) ReadBytes(addr uint64, out []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(out, m.data[addr:])
}

func (m *fakeMemory) WriteBytes(addr uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[addr:], data)
}

func (m *fakeMemory) ReadWords(addr uint64, count int) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint32, 0, count)
	for i := 0; i < count && int(addr)+i*4+4 <= len(m.data); i++ {
		b := m.data[int(addr)+i*4:]
		out = append(out, uint32(b[0])|uint32(b[1])<<8|uint32(b[2])<<16|uint32(b[3])<<24)
	}
	return out
}

func TestTagGeneratorProducesDistinctEvenWriteTags(t *testing.T) {
	g := newTagGenerator()
	seen := make(map[TagId]bool)
	for i := 0; i < 100; i++ {
		w := g.NextWriteTag()
		if w%2 != 0 {
			t.Fatalf("write tag %d is not even", w)
		}
		if seen[w] {
			t.Fatalf("write tag %d reused", w)
		}
		seen[w] = true
		if w.ReadTag() != w-1 {
			t.Fatalf("ReadTag() = %d, want %d", w.ReadTag(), w-1)
		}
	}
}

func TestPageTableWatchAndClear(t *testing.T) {
	pt := newPageTable(1 << 20)
	r := Interval{Begin: 4096, End: 4096 * 3}

	pt.Set(r, WriteWatch)
	if !pt.Any(r, WriteWatch) {
		t.Fatalf("expected WriteWatch set over %v", r)
	}
	if pt.Any(Interval{Begin: 4096 * 10, End: 4096 * 11}, WriteWatch) {
		t.Fatalf("WriteWatch leaked outside its range")
	}

	pt.Clear(r, WriteWatch)
	if pt.Any(r, WriteWatch) {
		t.Fatalf("expected WriteWatch cleared over %v", r)
	}
}

func TestTagReleaseClearsWatchedRanges(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	c := &Cache{
		memory:         mem,
		BufferMap:      make(map[Interval]*BufferEntry),
		IndexBufferMap: make(map[Interval]*IndexBufferEntry),
		ImageMap:       make(map[Interval]*ImageEntry),
		ShaderMap:      make(map[string]*ShaderEntry),
		SamplerMap:     make(map[SamplerKey]*SamplerEntry),
		SyncTable:      newPageTable(1 << 16),
		tags:           newTagGenerator(),
	}

	tag := c.newTag()
	r := Interval{Begin: 0, End: 4096}
	tag.watch(r, AccessWrite|AccessRead)

	if !c.SyncTable.Any(r, WriteWatch|ReadWriteLock) {
		t.Fatalf("expected watch flags set after watch()")
	}

	tag.Release()

	if c.SyncTable.Any(r, WriteWatch|ReadWriteLock) {
		t.Fatalf("expected watch flags cleared after Release()")
	}
}

func TestWriteMemoryMarksRangeInvalidated(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	c := &Cache{
		memory:    mem,
		SyncTable: newPageTable(1 << 16),
	}

	r := Interval{Begin: 0, End: 16}
	c.writeMemory(r, []byte{1, 2, 3, 4})

	if !c.SyncTable.Any(r, Invalidated) {
		t.Fatalf("expected range marked Invalidated after writeMemory")
	}

	out := make([]byte, 4)
	mem.ReadBytes(0, out)
	if out[0] != 1 || out[3] != 4 {
		t.Fatalf("writeMemory did not reach guest memory: %v", out)
	}
}

func TestCompareMemoryDetectsMismatch(t *testing.T) {
	mem := newFakeMemory(64)
	c := &Cache{memory: mem, SyncTable: newPageTable(64)}

	mem.WriteBytes(0, []byte{9, 9, 9})
	if c.compareMemory(Interval{Begin: 0, End: 3}, []byte{9, 9, 9}) != true {
		t.Fatalf("expected compareMemory to match identical bytes")
	}
	if c.compareMemory(Interval{Begin: 0, End: 3}, []byte{1, 2, 3}) != false {
		t.Fatalf("expected compareMemory to detect mismatch")
	}
}

func TestConcurrentBitPoolAcquireIsExclusive(t *testing.T) {
	pool := NewConcurrentBitPool(8)
	var wg sync.WaitGroup
	results := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, ok := pool.Acquire()
			if !ok {
				t.Errorf("expected acquire to succeed within capacity")
				return
			}
			results <- slot
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for slot := range results {
		if seen[slot] {
			t.Fatalf("slot %d acquired twice", slot)
		}
		seen[slot] = true
	}
	if len(seen) != 8 {
		t.Fatalf("expected 8 distinct slots, got %d", len(seen))
	}

	if _, ok := pool.Acquire(); ok {
		t.Fatalf("expected pool exhausted after 8 acquisitions")
	}
}

// TestRunCacheUpdateClearsReadWriteLockOnNotify is spec.md §4.6's
// dedicated cache-update thread: a RequestUnlock notification for a
// range with no outstanding WriteWatch should flush through with no
// backend access and clear the range's ReadWriteLock.
func TestRunCacheUpdateClearsReadWriteLockOnNotify(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	c := &Cache{
		memory:    mem,
		ImageMap:  make(map[Interval]*ImageEntry),
		SyncTable: newPageTable(1 << 16),
		watch:     make(chan pageWatchCmd, pageWatchQueueDepth),
	}
	r := Interval{Begin: 0, End: 4096}
	c.SyncTable.Set(r, ReadWriteLock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.RunCacheUpdate(ctx) }()

	c.RequestUnlock(r)

	deadline := time.After(time.Second)
	for c.SyncTable.Any(r, ReadWriteLock) {
		select {
		case <-deadline:
			t.Fatalf("ReadWriteLock was never cleared")
		default:
		}
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("RunCacheUpdate: got %v, want context.Canceled", err)
	}
}

// TestRequestUnlockDropsWhenChannelFull checks RequestUnlock's
// non-blocking contract: a full watch channel must not block the
// caller.
func TestRequestUnlockDropsWhenChannelFull(t *testing.T) {
	c := &Cache{watch: make(chan pageWatchCmd, 1)}
	c.RequestUnlock(Interval{Begin: 0, End: 1})
	done := make(chan struct{})
	go func() {
		c.RequestUnlock(Interval{Begin: 1, End: 2})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RequestUnlock blocked on a full channel")
	}
}

func TestMemoryTableAcquireRelease(t *testing.T) {
	tbl := NewMemoryTable(4)
	slot, ok := tbl.Acquire(MemoryTableEntry{Address: 0x1000, SizeAndFlags: 64})
	if !ok {
		t.Fatalf("expected acquire to succeed")
	}
	snap := tbl.Snapshot()
	if snap[slot].Address != 0x1000 {
		t.Fatalf("snapshot did not reflect acquired entry")
	}
	tbl.Release(slot)
}
