package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"grid-rebalance-bot/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const (
	keyPrefix   = "grid_state:"
	tradePrefix = "grid_trade:"
)

// badgerRepository is the BadgerDB implementation of the StateRepository.
// 成交记录按 seq 单独存储 (grid_trade:<SYMBOL>:<seq>)，每次保存只写入新增的部分。
type badgerRepository struct {
	db *badger.DB

	mu       sync.Mutex
	savedSeq map[string]int
}

// NewBadgerRepository opens a repository at dbPath. An empty path opens an in-memory store,
// which is what backtests and tests use.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	var opts badger.Options
	if dbPath == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dbPath)
	}
	// Badger's own logging is disabled; errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger at %q: %v", ErrPersistence, dbPath, err)
	}
	return &badgerRepository{db: db, savedSeq: make(map[string]int)}, nil
}

func stateKey(symbol string) []byte {
	return []byte(keyPrefix + strings.ToUpper(symbol))
}

func tradeKeyPrefix(symbol string) []byte {
	return []byte(tradePrefix + strings.ToUpper(symbol) + ":")
}

func tradeKey(symbol string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", tradePrefix, strings.ToUpper(symbol), seq))
}

// SaveState stores the state without its trade history under the symbol's key, plus every
// trade not yet written, in one transaction.
func (r *badgerRepository) SaveState(symbol string, state *models.GridState) error {
	if state == nil {
		return fmt.Errorf("%w: nil state for %s", ErrPersistence, symbol)
	}
	key := strings.ToUpper(symbol)

	r.mu.Lock()
	defer r.mu.Unlock()
	last := r.savedSeq[key]

	head := *state
	head.Trades = nil
	data, err := json.Marshal(&head)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrPersistence, symbol, err)
	}

	maxSeq := last
	err = r.db.Update(func(txn *badger.Txn) error {
		for _, tr := range state.Trades {
			if tr.Seq <= last {
				continue
			}
			val, err := json.Marshal(tr)
			if err != nil {
				return err
			}
			if err := txn.Set(tradeKey(symbol, tr.Seq), val); err != nil {
				return err
			}
			if tr.Seq > maxSeq {
				maxSeq = tr.Seq
			}
		}
		return txn.Set(stateKey(symbol), data)
	})
	if err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrPersistence, symbol, err)
	}
	r.savedSeq[key] = maxSeq
	return nil
}

// LoadState returns (nil, nil) when the symbol has never been saved.
// A state written before trades had their own keys keeps its embedded history; the next save
// moves it out.
func (r *badgerRepository) LoadState(symbol string) (*models.GridState, error) {
	var state models.GridState
	var trades []models.TradeRecord

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(symbol))
		if err != nil {
			return err
		}
		err = item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
		if err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = tradeKeyPrefix(symbol)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var tr models.TradeRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &tr)
			}); err != nil {
				return fmt.Errorf("trade %s: %w", it.Item().Key(), err)
			}
			trades = append(trades, tr)
		}
		return nil
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrPersistence, symbol, err)
	}

	saved := 0
	if len(trades) > 0 {
		state.Trades = trades
		saved = trades[len(trades)-1].Seq
	}
	r.mu.Lock()
	r.savedSeq[strings.ToUpper(symbol)] = saved
	r.mu.Unlock()
	return &state, nil
}

// ListSymbols scans the key prefix without fetching values.
func (r *badgerRepository) ListSymbols() ([]string, error) {
	var symbols []string
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			symbols = append(symbols, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list symbols: %v", ErrPersistence, err)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
