package venus

import "errors"

// Domain errors for the Venus bridge package.
var (
	// ErrUnknownDevice is returned when a device ID has no coordinator.
	ErrUnknownDevice = errors.New("venus: unknown device")

	// ErrDuplicateDevice is returned when two coordinators share an ID.
	ErrDuplicateDevice = errors.New("venus: duplicate device")

	// ErrNotReadable is returned when an on-demand refresh names an endpoint
	// that changes device state.
	ErrNotReadable = errors.New("venus: endpoint is not readable")

	// ErrInvalidSchedules is returned when a schedule set cannot be applied
	// as a whole, for example when two entries target the same slot.
	ErrInvalidSchedules = errors.New("venus: invalid schedule set")

	// ErrNoScanner is returned when discovery is requested but the manager
	// was built without a scanner.
	ErrNoScanner = errors.New("venus: discovery not configured")

	// ErrNoSlotWritten is returned when every write of a multi-slot
	// schedule operation failed.
	ErrNoSlotWritten = errors.New("venus: no schedule slot was written")
)
