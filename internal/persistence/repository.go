package persistence

import (
	"errors"

	"grid-rebalance-bot/internal/models"
)

// ErrPersistence wraps every storage failure returned by a StateRepository.
var ErrPersistence = errors.New("persistence failure")

// StateRepository defines the interface for per-symbol grid state persistence.
// It abstracts the underlying storage mechanism (BadgerDB on disk or in memory)
// from the rest of the application.
type StateRepository interface {
	// SaveState atomically replaces the stored state of one symbol.
	SaveState(symbol string, state *models.GridState) error

	// LoadState loads the state of one symbol.
	// If no state is found, it returns (nil, nil).
	LoadState(symbol string) (*models.GridState, error)

	// ListSymbols returns every symbol with a stored state.
	ListSymbols() ([]string, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
