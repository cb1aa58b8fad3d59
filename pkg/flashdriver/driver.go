// Package flashdriver defines the contract the tag engine uses to talk to
// NOR flash, and the fatal-error vocabulary an implementation reports
// through when the engine detects an invariant it cannot recover from.
package flashdriver

import "context"

// Space identifies one of a platform's tag spaces. It is an opaque handle
// assigned by the platform descriptor, not a computed address.
type Space uint16

// FlashDriver is the low-level flash contract the engine depends on. All
// methods must be safe to call from the single goroutine the engine is
// confined to; the engine performs no concurrent driver calls.
type FlashDriver interface {
	// Init brings up the flash hardware. Idempotent.
	Init(ctx context.Context) error

	// HardwareReset is invoked by the engine after a failed Write,
	// immediately before a single retry of that same write. Init's sector
	// survey also calls it once before re-scanning a sector that did not
	// scan sane. A failed Erase is not retried.
	HardwareReset(ctx context.Context) error

	// Write performs a flash program operation at addr. addr and len need
	// not be aligned. Only 1->0 bit transitions are legal; verifying that
	// the written bytes match is the driver's responsibility, not the
	// engine's.
	Write(ctx context.Context, addr uint32, data []byte) error

	// Erase resets an entire sector to the all-ones state. Blocking; may
	// take on the order of seconds on real hardware.
	Erase(ctx context.Context, space Space, sector uint16) error

	// Map returns the live, directly readable bytes backing space, exactly
	// as a NOR part mapped into the CPU's address space would be read on
	// the original target. Write and Erase mutate this same backing
	// array; the slice returned here is never copied, so the engine (and
	// any code it lends a read borrow to, per ReadTag's contract) observes
	// writes and erases as they land. Map itself performs no I/O and
	// cannot fail for a space the driver was configured with.
	Map(space Space) ([]byte, error)
}
