// internal/journal/badger.go
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

var eventPrefix = []byte("evt/")

// BadgerJournal stores events in BadgerDB under big-endian sequence keys so
// that key order equals append order.
type BadgerJournal struct {
	db  *badger.DB
	mu  sync.Mutex
	seq uint64
}

// NewBadgerJournal opens (or creates) the journal at dir. An empty dir opens
// an in-memory database.
func NewBadgerJournal(dir string) (*BadgerJournal, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	// Badger's own logging is noisy; errors are still returned from operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger journal: %w", err)
	}

	j := &BadgerJournal{db: db}
	if err := j.loadLastSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *BadgerJournal) loadLastSeq() error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append(append([]byte(nil), eventPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seekKey)
		if it.ValidForPrefix(eventPrefix) {
			j.seq = decodeKey(it.Item().Key())
		}
		return nil
	})
}

func eventKey(seq uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], seq)
	return key
}

func decodeKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(eventPrefix):])
}

func (j *BadgerJournal) Append(_ context.Context, event domain.Event) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	event.Seq = j.seq + 1
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(event.Seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("badger append: %w", err)
	}
	j.seq = event.Seq
	return event.Seq, nil
}

func (j *BadgerJournal) Replay(ctx context.Context, after uint64, fn func(domain.Event) error) error {
	return j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(eventKey(after + 1)); it.ValidForPrefix(eventPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var event domain.Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			})
			if err != nil {
				return fmt.Errorf("decode event %d: %w", decodeKey(it.Item().Key()), err)
			}
			if err := fn(event); err != nil {
				return err
			}
		}
		return nil
	})
}

// LastSeq returns the sequence number of the last appended event.
func (j *BadgerJournal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

func (j *BadgerJournal) Close() error {
	return j.db.Close()
}
