// Package journal is the write-through event log behind the matching core.
// Every accepted order, trade, cancellation and rejection is appended with
// a monotonically increasing sequence number; replaying the journal in
// sequence order rebuilds the order books after a restart.
package journal

import (
	"fmt"
	"sync"

	"mimir/internal/common"

	"github.com/cockroachdb/pebble"
)

const keyPrefix = "event/"

// Journal appends engine events durably and streams them back in sequence
// order. Append assigns the sequence number it returns; the same number is
// carried on notifications so downstream consumers can de-duplicate.
type Journal interface {
	Append(ev *common.Event) (uint64, error)
	Replay(fn func(ev *common.Event) error) error
	Close() error
}

// Pebble stores one record per event under event/%020d, so the natural key
// order of the LSM is exactly replay order.
type Pebble struct {
	db *pebble.DB

	mu   sync.Mutex
	next uint64
}

func Open(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false, // we WANT durability
	})
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	j := &Pebble{db: db, next: 1}

	// Resume the sequence from the last stored record.
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("scanning journal: %w", err)
	}
	if iter.Last() && iter.Valid() {
		ev, err := decodeEvent(iter.Value())
		if err != nil {
			_ = iter.Close()
			_ = db.Close()
			return nil, err
		}
		j.next = ev.Sequence + 1
	}
	if err := iter.Close(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return j, nil
}

func (j *Pebble) Close() error {
	return j.db.Close()
}

func (j *Pebble) Append(ev *common.Event) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ev.Sequence = j.next
	if ev.Trade != nil {
		ev.Trade.Sequence = ev.Sequence
	}
	if err := j.db.Set(keyFor(ev.Sequence), encodeEvent(ev), pebble.Sync); err != nil {
		return 0, fmt.Errorf("appending event: %w", err)
	}
	j.next++
	return ev.Sequence, nil
}

func (j *Pebble) Replay(fn func(ev *common.Event) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		ev, err := decodeEvent(iter.Value())
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return iter.Error()
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

// Memory is a volatile journal for tests and for running the engine
// without durability.
type Memory struct {
	mu     sync.Mutex
	events []*common.Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (j *Memory) Append(ev *common.Event) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ev.Sequence = uint64(len(j.events) + 1)
	if ev.Trade != nil {
		ev.Trade.Sequence = ev.Sequence
	}
	stored := *ev
	if ev.Order != nil {
		order := *ev.Order
		stored.Order = &order
	}
	j.events = append(j.events, &stored)
	return ev.Sequence, nil
}

func (j *Memory) Replay(fn func(ev *common.Event) error) error {
	j.mu.Lock()
	events := make([]*common.Event, len(j.events))
	copy(events, j.events)
	j.mu.Unlock()

	for _, ev := range events {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (j *Memory) Close() error { return nil }
