// Package resources is the per-session cache of CRM records. Local writes
// land optimistically as pending; remote state updates and bulk syncs
// confirm or replace them.
package resources

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agentworkforce/dashsync/internal/clock"
	"github.com/agentworkforce/dashsync/internal/eventbus"
	"github.com/agentworkforce/dashsync/internal/protocol"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
	OriginSync   Origin = "sync"
)

// Change is published on the bus as eventbus.ResourceChanged after every
// applied mutation. ID is empty for a bulk sync.
type Change struct {
	Kind   Kind
	ID     string
	Action Action
	Origin Origin
}

type Options struct {
	WorkspaceID string
	Client      RemoteClient
	Policy      Policy
	Clock       clock.Clock
	Logger      Logger
	Bus         *eventbus.Bus
}

type Store struct {
	workspaceID string
	client      RemoteClient
	policy      Policy
	clock       clock.Clock
	logger      Logger
	bus         *eventbus.Bus

	mu       sync.Mutex
	records  map[Kind]map[string]*Record
	lastSync map[Kind]int64
	writes   uint64
}

func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New(opts.Logger)
	}
	records := make(map[Kind]map[string]*Record, len(Kinds))
	for _, kind := range Kinds {
		records[kind] = map[string]*Record{}
	}
	return &Store{
		workspaceID: opts.WorkspaceID,
		client:      opts.Client,
		policy:      opts.Policy,
		clock:       opts.Clock,
		logger:      opts.Logger,
		bus:         opts.Bus,
		records:     records,
		lastSync:    map[Kind]int64{},
	}
}

func (s *Store) Policy() Policy { return s.policy }

// OptimisticUpdate writes data locally as pending before the server has
// seen it. For batch, data is a list of objects that each carry an id.
func (s *Store) OptimisticUpdate(kind Kind, id string, data any, action Action) error {
	changes, err := s.apply(kind, id, data, action, writeMeta{pending: true})
	if err != nil {
		s.logf("resources: optimistic %s %s/%s: %v", action, kind, id, err)
		return err
	}
	s.publish(changes, OriginLocal)
	return nil
}

// HandleStateUpdate applies a confirmed remote change. Failures are logged
// and the update is ignored.
func (s *Store) HandleStateUpdate(update protocol.StateUpdate) {
	kind, err := ParseKind(update.ResourceType)
	if err != nil {
		s.logf("resources: state update: %v %q", err, update.ResourceType)
		return
	}
	action, err := ParseAction(update.Action)
	if err != nil {
		s.logf("resources: state update: %v %q", err, update.Action)
		return
	}
	changes, err := s.apply(kind, update.ResourceID, update.Data, action, writeMeta{remoteAt: update.Timestamp})
	if err != nil {
		s.logf("resources: remote %s %s/%s: %v", action, kind, update.ResourceID, err)
		return
	}
	s.publish(changes, OriginRemote)
}

type writeMeta struct {
	pending  bool
	remoteAt float64
}

func (s *Store) apply(kind Kind, id string, data any, action Action, meta writeMeta) ([]Change, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	now := s.clock.Now().UnixMilli()

	switch action {
	case ActionCreate, ActionUpdate:
		fields, err := toFields(data)
		if err != nil {
			return nil, err
		}
		if id == "" {
			id = fieldID(fields)
		}
		if id == "" {
			return nil, fmt.Errorf("%w: missing id", ErrInvalidInput)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.putLocked(kind, id, fields, meta, now); err != nil {
			return nil, err
		}
		return []Change{{Kind: kind, ID: id, Action: action}}, nil

	case ActionDelete:
		if id == "" {
			if fields, err := toFields(data); err == nil {
				id = fieldID(fields)
			}
		}
		if id == "" {
			return nil, fmt.Errorf("%w: missing id", ErrInvalidInput)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		byID := s.records[kind]
		existing := byID[id]
		if err := s.policy.admitOrder(existing, meta.remoteAt); err != nil {
			return nil, err
		}
		if existing == nil {
			existing = &Record{ID: id, Fields: map[string]any{"id": id}}
			byID[id] = existing
		}
		s.writes++
		existing.Deleted = true
		existing.Pending = meta.pending
		existing.LastUpdated = now
		existing.seq = s.writes
		if meta.remoteAt > existing.remoteAt {
			existing.remoteAt = meta.remoteAt
		}
		return []Change{{Kind: kind, ID: id, Action: action}}, nil

	case ActionBatch:
		items, err := toItems(data)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		changes := make([]Change, 0, len(items))
		var skipped []error
		for _, fields := range items {
			itemID := fieldID(fields)
			if itemID == "" {
				skipped = append(skipped, fmt.Errorf("%w: batch item missing id", ErrInvalidInput))
				continue
			}
			if err := s.putLocked(kind, itemID, fields, meta, now); err != nil {
				skipped = append(skipped, fmt.Errorf("%s: %w", itemID, err))
				continue
			}
			changes = append(changes, Change{Kind: kind, ID: itemID, Action: ActionUpdate})
		}
		for _, err := range skipped {
			s.logf("resources: batch %s: skipped %v", kind, err)
		}
		if len(changes) == 0 && len(skipped) > 0 {
			return nil, errors.Join(skipped...)
		}
		return changes, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

// putLocked replaces the record wholesale.
func (s *Store) putLocked(kind Kind, id string, fields map[string]any, meta writeMeta, now int64) error {
	byID := s.records[kind]
	existing := byID[id]
	if err := s.policy.admitWrite(existing, meta.remoteAt); err != nil {
		return err
	}
	if _, ok := fields["id"]; !ok {
		fields["id"] = id
	}
	rec := &Record{
		ID:          id,
		Fields:      fields,
		LastUpdated: now,
		Pending:     meta.pending,
	}
	if existing != nil {
		rec.remoteAt = existing.remoteAt
	}
	if meta.remoteAt > rec.remoteAt {
		rec.remoteAt = meta.remoteAt
	}
	s.writes++
	rec.seq = s.writes
	byID[id] = rec
	return nil
}

// SyncWithServer replaces the kind's records with the server's list. Records
// written while the request was in flight are newer than the server's reply
// and are kept. On failure the cache is left as it was.
func (s *Store) SyncWithServer(ctx context.Context, kind Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if s.client == nil {
		return ErrNoClient
	}
	req := SyncRequest{WorkspaceID: s.workspaceID}
	s.mu.Lock()
	if last, ok := s.lastSync[kind]; ok {
		req.LastSync = &last
	}
	started := s.writes
	s.mu.Unlock()

	items, err := s.client.Sync(ctx, kind, req)
	if err != nil {
		s.logf("resources: sync %s failed: %v", kind, err)
		return fmt.Errorf("sync %s: %w", kind, err)
	}

	now := s.clock.Now().UnixMilli()
	next := make(map[string]*Record, len(items))
	for _, item := range items {
		fields := cloneFields(item)
		id := fieldID(fields)
		if id == "" {
			s.logf("resources: sync %s: dropping record without id", kind)
			continue
		}
		next[id] = &Record{ID: id, Fields: fields, LastUpdated: now}
	}

	s.mu.Lock()
	kept := 0
	for id, rec := range s.records[kind] {
		if rec.seq > started {
			next[id] = rec
			kept++
		}
	}
	s.records[kind] = next
	s.lastSync[kind] = now
	s.mu.Unlock()
	if kept > 0 {
		s.logf("resources: sync %s kept %d record(s) written during the request", kind, kept)
	}

	s.publish([]Change{{Kind: kind, Action: ActionBatch}}, OriginSync)
	return nil
}

// SyncAll syncs every kind and joins the failures.
func (s *Store) SyncAll(ctx context.Context) error {
	var errs []error
	for _, kind := range Kinds {
		if err := s.SyncWithServer(ctx, kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Get(kind Kind, id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[kind][id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// List returns the kind's records sorted by id.
func (s *Store) List(kind Kind, includeDeleted bool) []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records[kind]))
	for _, rec := range s.records[kind] {
		if rec.Deleted && !includeDeleted {
			continue
		}
		out = append(out, rec.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LastSync returns the epoch-millisecond time of the kind's last
// successful sync.
func (s *Store) LastSync(kind Kind) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastSync[kind]
	return last, ok
}

// Subscribe registers fn for every applied change.
func (s *Store) Subscribe(fn func(Change)) func() {
	return s.bus.Subscribe(eventbus.ResourceChanged, func(ev eventbus.Event) {
		if change, ok := ev.Payload.(Change); ok {
			fn(change)
		}
	})
}

func (s *Store) publish(changes []Change, origin Origin) {
	for _, change := range changes {
		change.Origin = origin
		s.bus.Emit(eventbus.ResourceChanged, change)
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
