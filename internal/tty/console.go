package tty

import (
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/vkern/internal/debug"
)

// Console is the physical console guest output drains into. Bytes pass
// through to the underlying writer untouched; completed lines are also
// mirrored, with terminal escape sequences stripped, into the debug log so
// captures stay readable.
type Console struct {
	mu   sync.Mutex
	w    io.Writer
	line []byte
	log  debug.Debug
}

// NewConsole wraps w as the physical console.
func NewConsole(w io.Writer) *Console {
	return &Console{
		w:   w,
		log: debug.WithSource("console"),
	}
}

// PutChar emits one byte to the console.
func (c *Console) PutChar(ch byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.w != nil {
		if _, err := c.w.Write([]byte{ch}); err != nil {
			return err
		}
	}

	if ch == '\n' {
		c.log.Write(ansi.Strip(string(c.line)))
		c.line = c.line[:0]
		return nil
	}
	c.line = append(c.line, ch)
	return nil
}

// Write emits a buffer to the console byte by byte.
func (c *Console) Write(p []byte) (int, error) {
	for i, ch := range p {
		if err := c.PutChar(ch); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// Flush mirrors any unterminated line into the debug log.
func (c *Console) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.line) > 0 {
		c.log.Write(ansi.Strip(string(c.line)))
		c.line = c.line[:0]
	}
}
