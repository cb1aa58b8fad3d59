package flashmock

import (
	"context"
	"errors"
	"sync"

	"github.com/nvmtag/store/pkg/flashdriver"
)

// ErrSimulatedCrash is returned by a Crash-wrapped Write or Erase call when
// the configured failpoint fires, standing in for the power loss the real
// hardware contract permits at any point during a flash operation.
var ErrSimulatedCrash = errors.New("flashmock: simulated power loss")

// Op identifies which driver operation a Failpoint targets.
type Op int

const (
	// OpWrite targets Driver.Write calls.
	OpWrite Op = iota
	// OpErase targets Driver.Erase calls.
	OpErase
)

// Failpoint configures a single crash injection: the AtCall'th call to Op
// (1-indexed) is allowed to apply only the first TruncateBytes bytes of
// its write before the wrapped driver reports ErrSimulatedCrash. For
// OpErase, TruncateBytes truncates how many bytes of the sector are reset
// to all-ones before the simulated crash, leaving the remainder exactly as
// it was, which is what a real interrupted erase looks like on NOR flash.
type Failpoint struct {
	Op            Op
	AtCall        int
	TruncateBytes int
}

// Crash wraps a *Driver, counting calls to Write/Erase and applying at most
// one configured Failpoint before reverting to normal pass-through
// behavior. It is grounded on pkg/fs.Crash's injected-failpoint model,
// adapted from filesystem syscalls to flash program/erase operations.
type Crash struct {
	inner *Driver

	mu         sync.Mutex
	failpoint  Failpoint
	armed      bool
	writeCalls int
	eraseCalls int
}

// WithFailpoint returns a Crash-wrapped driver that will simulate a power
// loss at the configured call, if any. An AtCall of zero disarms injection
// entirely (the wrapper behaves exactly like the unwrapped Driver).
func WithFailpoint(driver *Driver, fp Failpoint) *Crash {
	return &Crash{inner: driver, failpoint: fp, armed: fp.AtCall > 0}
}

func (c *Crash) Init(ctx context.Context) error { return c.inner.Init(ctx) }

func (c *Crash) HardwareReset(ctx context.Context) error { return c.inner.HardwareReset(ctx) }

func (c *Crash) Write(ctx context.Context, addr uint32, data []byte) error {
	c.mu.Lock()
	c.writeCalls++
	callNumber := c.writeCalls
	fire := c.armed && c.failpoint.Op == OpWrite && callNumber == c.failpoint.AtCall
	if fire {
		c.armed = false
	}
	c.mu.Unlock()

	if !fire {
		return c.inner.Write(ctx, addr, data)
	}

	n := c.failpoint.TruncateBytes
	if n > len(data) {
		n = len(data)
	}
	if n > 0 {
		if err := c.inner.Write(ctx, addr, data[:n]); err != nil {
			return err
		}
	}
	return ErrSimulatedCrash
}

func (c *Crash) Erase(ctx context.Context, space flashdriver.Space, sector uint16) error {
	c.mu.Lock()
	c.eraseCalls++
	callNumber := c.eraseCalls
	fire := c.armed && c.failpoint.Op == OpErase && callNumber == c.failpoint.AtCall
	if fire {
		c.armed = false
	}
	c.mu.Unlock()

	if !fire {
		return c.inner.Erase(ctx, space, sector)
	}

	if c.failpoint.TruncateBytes <= 0 {
		return ErrSimulatedCrash
	}

	si, err := c.inner.img.space(space)
	if err != nil {
		return err
	}
	c.inner.img.mu.Lock()
	lo, hi, err := si.sectorBounds(sector)
	if err == nil {
		n := c.failpoint.TruncateBytes
		if lo+n > hi {
			n = hi - lo
		}
		for i := lo; i < lo+n; i++ {
			si.bytes[i] = 0xFF
		}
	}
	c.inner.img.mu.Unlock()
	if err != nil {
		return err
	}

	return ErrSimulatedCrash
}

func (c *Crash) Map(space flashdriver.Space) ([]byte, error) { return c.inner.Map(space) }

// Restart clears the failpoint's "armed" state and resets call counters,
// simulating the fresh process that boots after a crash: a new Store built
// over the same underlying Image (whose bytes were left exactly as the
// interrupted operation's partial write/erase produced) calls Init(true)
// against it.
func (c *Crash) Restart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeCalls = 0
	c.eraseCalls = 0
	c.armed = false
}
