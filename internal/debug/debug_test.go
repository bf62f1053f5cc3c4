package debug

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	mem := &MemorySink{}
	if err := Open(mem); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer Close()

	Write("boot", "hello")
	Writef("sched", "pcpu%d online", 2)
	WriteBytes("ring", []byte{0x01, 0x02})

	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	type entry struct {
		kind   Kind
		source string
		data   string
	}
	var got []entry
	err := Each(bytes.NewReader(mem.Bytes()), func(_ time.Time, kind Kind, source string, data []byte) error {
		got = append(got, entry{kind: kind, source: source, data: string(data)})
		return nil
	})
	if err != nil {
		t.Fatalf("each: %v", err)
	}

	want := []entry{
		{KindString, "boot", "hello"},
		{KindString, "sched", "pcpu2 online"},
		{KindBytes, "ring", "\x01\x02"},
	}
	if len(got) != len(want) {
		t.Fatalf("entries = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestConcurrentWriters(t *testing.T) {
	mem := &MemorySink{}
	if err := Open(mem); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer Close()

	const writers = 8
	const perWriter = 100

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d := WithSource("w")
			for j := 0; j < perWriter; j++ {
				d.Writef("writer %d entry %d", n, j)
			}
		}(i)
	}
	wg.Wait()
	Close()

	count := 0
	err := Each(bytes.NewReader(mem.Bytes()), func(_ time.Time, kind Kind, source string, _ []byte) error {
		if kind != KindString || source != "w" {
			t.Fatalf("corrupt entry: kind=%v source=%q", kind, source)
		}
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("each: %v", err)
	}
	if count != writers*perWriter {
		t.Fatalf("entries = %d, want %d", count, writers*perWriter)
	}
}

func TestNoSinkIsNoop(t *testing.T) {
	Close()
	Write("x", "dropped") // must not panic
}
