package result

import (
	"io"
	"sync"
)

// closer releases a result's primary resource and its extra closeables
// exactly once.
type closer struct {
	mu      sync.Mutex
	closed  bool
	primary func() error
	extras  []io.Closer
}

// AddCloser registers c to be closed after the primary resource. When the
// result is already closed, c is closed immediately.
func (c *closer) AddCloser(cl io.Closer) {
	if cl == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = cl.Close()
		return
	}
	c.extras = append(c.extras, cl)
	c.mu.Unlock()
}

// Closed reports whether Close has run.
func (c *closer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close releases the primary resource then every extra closeable in
// registration order. All are attempted; the first error is returned.
func (c *closer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	primary, extras := c.primary, c.extras
	c.primary, c.extras = nil, nil
	c.mu.Unlock()

	var first error
	if primary != nil {
		first = primary()
	}
	for _, x := range extras {
		if err := x.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }
