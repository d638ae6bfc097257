package modem

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// settleDelay is slept after taking the link over in raw mode, so bytes
// already in flight from the modem land in the discarded buffer.
const settleDelay = 10 * time.Millisecond

// Gate arbitrates the serial link between the URC dispatcher and callers
// that need the raw byte stream.
//
// A caller holding the Gate in raw mode is the only reader of the link.
// Command writes from other goroutines wait until raw mode is released, so
// they never land in the middle of a raw transfer.
type Gate struct {
	transport Transport
	// link is held by the raw owner, or by a command for the duration of
	// its transmit and reply wait.
	link chan struct{}

	mu       sync.Mutex
	raw      bool
	reading  bool
	readDone chan struct{}
}

// Hold is proof of raw ownership of a Gate. Release it exactly where it was
// acquired, typically with defer.
type Hold struct {
	gate     *Gate
	nested   bool
	released atomic.Bool
}

type holdKey struct{}

func newGate(t Transport) *Gate {
	return &Gate{
		transport: t,
		link:      make(chan struct{}, 1),
	}
}

// held reports whether ctx carries a live Hold on g.
func (g *Gate) held(ctx context.Context) bool {
	h, ok := ctx.Value(holdKey{}).(*Hold)
	return ok && h.gate == g && !h.released.Load()
}

// Acquire switches the link to raw mode and returns a context carrying the
// ownership. Acquiring again with that context reports a nested Hold whose
// Release does nothing. The only error is cancellation of ctx while another
// owner holds the link.
//
// A command in flight holds the link until its last transmission is
// answered or times out, which can take its timeout times its
// transmissions. Callers that cannot wait that long bound ctx.
func (g *Gate) Acquire(ctx context.Context) (context.Context, *Hold, error) {
	if g.held(ctx) {
		return ctx, &Hold{gate: g, nested: true}, nil
	}

	select {
	case g.link <- struct{}{}:
	case <-ctx.Done():
		return ctx, nil, ctx.Err()
	}

	g.mu.Lock()
	g.raw = true
	reading, done := g.reading, g.readDone
	g.mu.Unlock()

	g.transport.ResetInputBuffer()
	for reading {
		select {
		case <-done:
			reading = false
		case <-time.After(settleDelay):
			// The dispatcher had not blocked yet when the buffer was reset.
			g.transport.ResetInputBuffer()
		}
	}
	time.Sleep(settleDelay)

	h := &Hold{gate: g}
	return context.WithValue(ctx, holdKey{}, h), h, nil
}

// Nested reports whether the Hold was taken by an owner that already held
// the Gate.
func (h *Hold) Nested() bool {
	return h.nested
}

// Release hands the link back to the dispatcher. Releasing a nested or an
// already released Hold does nothing.
func (h *Hold) Release() {
	if h == nil || h.nested || !h.released.CompareAndSwap(false, true) {
		return
	}
	g := h.gate
	g.mu.Lock()
	g.raw = false
	g.mu.Unlock()
	<-g.link
}

// Raw reports whether the link is in raw mode.
func (g *Gate) Raw() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.raw
}

// lock takes the link for a command exchange unless ctx already owns it.
func (g *Gate) lock(ctx context.Context) (func(), error) {
	if g.held(ctx) {
		return func() {}, nil
	}
	select {
	case g.link <- struct{}{}:
		return func() { <-g.link }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// write transmits p while holding the link.
func (g *Gate) write(ctx context.Context, p []byte) error {
	unlock, err := g.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	_, err = g.transport.Write(p)
	return err
}

// beginRead registers a dispatcher read. It returns false in raw mode.
func (g *Gate) beginRead() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.raw {
		return false
	}
	g.reading = true
	g.readDone = make(chan struct{})
	return true
}

func (g *Gate) endRead() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reading = false
	close(g.readDone)
}
