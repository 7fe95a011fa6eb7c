package resources

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTombstoned = errors.New("record is tombstoned")
	ErrStale      = errors.New("stale remote update")
)

// TombstoneMode decides what a create or update does to a deleted id.
type TombstoneMode int

const (
	// TombstoneStrict rejects create and update for a tombstoned id.
	TombstoneStrict TombstoneMode = iota
	// TombstoneLenient applies them and clears the tombstone.
	TombstoneLenient
)

func (m TombstoneMode) String() string {
	if m == TombstoneLenient {
		return "lenient"
	}
	return "strict"
}

func ParseTombstoneMode(raw string) (TombstoneMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "strict":
		return TombstoneStrict, nil
	case "lenient":
		return TombstoneLenient, nil
	}
	return TombstoneStrict, fmt.Errorf("%w: tombstone mode %q", ErrInvalidInput, raw)
}

// Ordering decides how concurrent remote updates to one record are applied.
type Ordering int

const (
	// OrderArrival applies remote updates in the order they arrive.
	OrderArrival Ordering = iota
	// OrderTimestamp drops a remote update older than the last one applied.
	OrderTimestamp
)

func (o Ordering) String() string {
	if o == OrderTimestamp {
		return "timestamp"
	}
	return "arrival"
}

func ParseOrdering(raw string) (Ordering, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "arrival":
		return OrderArrival, nil
	case "timestamp":
		return OrderTimestamp, nil
	}
	return OrderArrival, fmt.Errorf("%w: ordering %q", ErrInvalidInput, raw)
}

type Policy struct {
	Tombstones TombstoneMode
	Ordering   Ordering
}

func DefaultPolicy() Policy {
	return Policy{Tombstones: TombstoneStrict, Ordering: OrderArrival}
}

// admitWrite reports whether a create/update may land on existing. A zero
// remoteAt means a local write, which is never ordered.
func (p Policy) admitWrite(existing *Record, remoteAt float64) error {
	if existing == nil {
		return nil
	}
	if existing.Deleted && p.Tombstones == TombstoneStrict {
		return ErrTombstoned
	}
	return p.admitOrder(existing, remoteAt)
}

func (p Policy) admitOrder(existing *Record, remoteAt float64) error {
	if existing == nil || p.Ordering != OrderTimestamp || remoteAt == 0 {
		return nil
	}
	if remoteAt < existing.remoteAt {
		return ErrStale
	}
	return nil
}
