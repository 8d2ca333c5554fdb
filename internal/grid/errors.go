package grid

import "errors"

var (
	// ErrInvalidConfiguration is returned when grid parameters are out of range.
	ErrInvalidConfiguration = errors.New("invalid grid configuration")
	// ErrOutOfOrderTick is returned for a tick whose timestamp is not after the last accepted one.
	ErrOutOfOrderTick = errors.New("out-of-order tick")
	// ErrSymbolMismatch is returned when a tick is routed to the wrong ledger.
	ErrSymbolMismatch = errors.New("tick symbol does not match ledger")
)
