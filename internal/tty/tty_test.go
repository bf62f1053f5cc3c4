package tty

import (
	"bytes"
	"testing"
	"time"

	"github.com/tinyrange/vkern/internal/debug"
)

type recordingOps struct {
	opens  int
	closes int
	chars  []byte
}

func (o *recordingOps) Open(t *Tty) error { o.opens++; return nil }
func (o *recordingOps) Close(t *Tty)      { o.closes++ }
func (o *recordingOps) PutChar(t *Tty, ch byte) error {
	o.chars = append(o.chars, ch)
	return nil
}
func (o *recordingOps) PutChars(t *Tty, data []byte) (int, error) {
	o.chars = append(o.chars, data...)
	return len(data), nil
}

func TestTtyLifecycle(t *testing.T) {
	ops := &recordingOps{}
	handle := Alloc("vm1", 0xabcd0001)
	handle.SetOps(ops, nil)

	if handle.IsOpen() {
		t.Fatalf("tty open before Open")
	}
	if err := handle.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !handle.IsOpen() || ops.opens != 1 {
		t.Fatalf("open state = %v, ops.opens = %d", handle.IsOpen(), ops.opens)
	}

	if err := handle.PutChar('x'); err != nil {
		t.Fatalf("put char: %v", err)
	}
	if _, err := handle.PutChars([]byte("yz")); err != nil {
		t.Fatalf("put chars: %v", err)
	}
	if string(ops.chars) != "xyz" {
		t.Fatalf("chars = %q", ops.chars)
	}

	handle.Close()
	if handle.IsOpen() || ops.closes != 1 {
		t.Fatalf("close state = %v, ops.closes = %d", handle.IsOpen(), ops.closes)
	}
}

func TestTtyWithoutOps(t *testing.T) {
	handle := Alloc("bare", 1)
	if err := handle.Open(); err == nil {
		t.Fatalf("open without ops should fail")
	}
	if err := handle.PutChar('x'); err == nil {
		t.Fatalf("put char without ops should fail")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	a := Alloc("vm0", 0xabcd0000)
	b := Alloc("vm1", 0xabcd0001)
	if err := reg.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(b); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(Alloc("dup", 0xabcd0000)); err == nil {
		t.Fatalf("duplicate id should fail")
	}

	if got := reg.Lookup(0xabcd0001); got != b {
		t.Fatalf("lookup = %v", got)
	}
	reg.Release(a)
	if reg.Lookup(0xabcd0000) != nil {
		t.Fatalf("released tty still registered")
	}
	if len(reg.Ttys()) != 1 {
		t.Fatalf("registry size = %d", len(reg.Ttys()))
	}
}

func TestConsolePassThrough(t *testing.T) {
	var out bytes.Buffer
	console := NewConsole(&out)

	msg := "boot: \x1b[32mok\x1b[0m\n"
	if _, err := console.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// the writer sees the raw bytes, escape sequences included
	if out.String() != msg {
		t.Fatalf("console output = %q, want %q", out.String(), msg)
	}
}

func TestConsoleCaptureStripsEscapes(t *testing.T) {
	mem := &debug.MemorySink{}
	if err := debug.Open(mem); err != nil {
		t.Fatalf("open debug: %v", err)
	}
	defer debug.Close()

	var out bytes.Buffer
	console := NewConsole(&out)
	console.Write([]byte("\x1b[31merror\x1b[0m: bad\n"))
	console.Write([]byte("partial"))
	console.Flush()
	debug.Close()

	var lines []string
	err := debug.Each(bytes.NewReader(mem.Bytes()), func(_ time.Time, _ debug.Kind, source string, data []byte) error {
		if source == "console" {
			lines = append(lines, string(data))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("each: %v", err)
	}

	want := []string{"error: bad", "partial"}
	if len(lines) != len(want) {
		t.Fatalf("captured %d lines: %q", len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}
