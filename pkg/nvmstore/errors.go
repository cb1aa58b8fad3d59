package nvmstore

import "errors"

// Recoverable, non-fatal error sentinels. Check with errors.Is, following
// the convention of this codebase's other packages (see pkg/slotcache).
var (
	// ErrNoRoom is returned by WriteTag when no sector currently has room
	// for the write. The space's DigDeeperIntoGarbage vital is set before
	// this is returned; the caller is expected to run garbage collection
	// and retry.
	ErrNoRoom = errors.New("nvmstore: no sector has room for this write")

	// ErrNoSectorQualifies is returned by GarbageCollectNoErase when no
	// sector meets the chosen scoring method's reclaim threshold.
	ErrNoSectorQualifies = errors.New("nvmstore: no sector qualifies for reclamation")

	// ErrNotInitialized is returned by any mutating call made before Init
	// has completed successfully for the space. Query calls made then
	// report ok=false (or false) instead of returning it.
	ErrNotInitialized = errors.New("nvmstore: space not initialized")

	// ErrInvalidTagNumber is returned when a tag number is zero or exceeds
	// the space's configured maximum.
	ErrInvalidTagNumber = errors.New("nvmstore: invalid tag number")

	// ErrPayloadTooLarge is returned when a payload exceeds the maximum
	// representable length (0xFFFE).
	ErrPayloadTooLarge = errors.New("nvmstore: payload too large")

	// ErrUnknownSpace is returned when an API call names a space the
	// platform descriptor does not describe.
	ErrUnknownSpace = errors.New("nvmstore: unknown space")

	// ErrSectorOutOfRange is returned when a sector number exceeds a
	// space's configured sector count.
	ErrSectorOutOfRange = errors.New("nvmstore: sector number out of range")

	// ErrNotImplemented is returned by the background-erase completion
	// path, which this engine models but never actually invokes: the only
	// implemented erase path is EraseSectorForeground, which completes
	// synchronously (see SPEC_FULL.md Design Notes, open question 2).
	ErrNotImplemented = errors.New("nvmstore: background erase path not implemented")
)
