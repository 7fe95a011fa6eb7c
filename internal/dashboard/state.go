// Package dashboard holds the live dashboard view state for one session and
// keeps it consistent with the other sessions of the workspace.
package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/dashsync/internal/clock"
	"github.com/agentworkforce/dashsync/internal/eventbus"
	"github.com/agentworkforce/dashsync/internal/protocol"
	"github.com/agentworkforce/dashsync/internal/storage"
)

var ErrInvalidType = errors.New("invalid dashboard type")

const DefaultNotificationLimit = 100

type Type string

const (
	TypeFounder Type = "founder"
	TypeTeam    Type = "team"
)

func ParseType(raw string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(raw))); t {
	case TypeFounder, TypeTeam:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, raw)
}

// TypeForRole maps a user role to its default dashboard.
func TypeForRole(role string) Type {
	if strings.EqualFold(strings.TrimSpace(role), string(TypeFounder)) {
		return TypeFounder
	}
	return TypeTeam
}

// Route is the UI path that renders t.
func (t Type) Route() string {
	return "/" + string(t) + "-dashboard"
}

type Logger interface {
	Printf(format string, args ...any)
}

// Sender is the outbound half of the transport.
type Sender interface {
	Send(msgType protocol.MessageType, payload any)
}

// Navigator moves the UI to another route.
type Navigator interface {
	CurrentRoute() string
	Navigate(route string)
}

type Options struct {
	UserID            string
	Role              string
	Preferences       storage.Preferences
	Sender            Sender
	Navigator         Navigator
	Clock             clock.Clock
	Logger            Logger
	Bus               *eventbus.Bus
	NotificationLimit int
	NewID             func() string
}

type Snapshot struct {
	DashboardType Type           `json:"dashboard_type"`
	Filters       map[string]any `json:"filters"`
	Data          map[string]any `json:"data"`
	LastUpdate    time.Time      `json:"last_update"`
}

func DefaultFilters() map[string]any {
	return map[string]any{
		"dateRange":     "7d",
		"taskStatus":    "all",
		"showCompleted": true,
	}
}

func DefaultData() map[string]any {
	return map[string]any{
		"tasks":      []any{},
		"stats":      map[string]any{},
		"activities": []any{},
	}
}

type State struct {
	userID    string
	prefs     storage.Preferences
	sender    Sender
	navigator Navigator
	clock     clock.Clock
	logger    Logger
	bus       *eventbus.Bus
	newID     func() string

	mu            sync.Mutex
	dashboardType Type
	filters       map[string]any
	data          map[string]any
	lastUpdate    time.Time
	updates       *ring[protocol.TaskUpdateInfo]
	notifications *ring[protocol.Notification]
}

// New restores the persisted type and filters, falling back to the role
// default and the default filters.
func New(opts Options) *State {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New(opts.Logger)
	}
	if opts.NotificationLimit <= 0 {
		opts.NotificationLimit = DefaultNotificationLimit
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	s := &State{
		userID:        opts.UserID,
		prefs:         opts.Preferences,
		sender:        opts.Sender,
		navigator:     opts.Navigator,
		clock:         opts.Clock,
		logger:        opts.Logger,
		bus:           opts.Bus,
		newID:         opts.NewID,
		dashboardType: TypeForRole(opts.Role),
		filters:       DefaultFilters(),
		data:          DefaultData(),
		updates:       newRing[protocol.TaskUpdateInfo](opts.NotificationLimit),
		notifications: newRing[protocol.Notification](opts.NotificationLimit),
	}
	s.restore()
	return s
}

func (s *State) restore() {
	if s.prefs == nil {
		return
	}
	var stored string
	if ok, err := storage.GetJSON(s.prefs, storage.KeyDashboardType, &stored); err != nil {
		s.logf("dashboard: read %s: %v", storage.KeyDashboardType, err)
	} else if ok {
		if t, err := ParseType(stored); err == nil {
			s.dashboardType = t
		} else {
			s.logf("dashboard: ignoring stored %s: %v", storage.KeyDashboardType, err)
		}
	}
	var filters map[string]any
	if ok, err := storage.GetJSON(s.prefs, storage.KeyDashboardFilters, &filters); err != nil {
		s.logf("dashboard: read %s: %v", storage.KeyDashboardFilters, err)
	} else if ok && filters != nil {
		s.filters = filters
	}
}

// Reload re-reads persisted preferences, e.g. after another process wrote
// them.
func (s *State) Reload() {
	s.mu.Lock()
	s.restore()
	s.mu.Unlock()
	s.changed()
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	return Snapshot{
		DashboardType: s.dashboardType,
		Filters:       cloneMap(s.filters),
		Data:          cloneMap(s.data),
		LastUpdate:    s.lastUpdate,
	}
}

func (s *State) DashboardType() Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dashboardType
}

func (s *State) SetDashboardType(t Type) error {
	t, err := ParseType(string(t))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.dashboardType = t
	s.touchLocked()
	s.persistLocked()
	s.mu.Unlock()
	s.changed()
	s.Broadcast()
	return nil
}

// UpdateFilters merges patch into the filters field by field.
func (s *State) UpdateFilters(patch map[string]any) {
	s.mu.Lock()
	for k, v := range patch {
		s.filters[k] = v
	}
	s.touchLocked()
	s.persistLocked()
	s.mu.Unlock()
	s.changed()
	s.Broadcast()
}

// UpdateData merges patch into the top level of the data map.
func (s *State) UpdateData(patch map[string]any) {
	patch = cloneMap(patch)
	s.mu.Lock()
	for k, v := range patch {
		s.data[k] = v
	}
	s.touchLocked()
	s.mu.Unlock()
	s.changed()
	s.Broadcast()
}

func (s *State) SetData(data map[string]any) {
	data = cloneMap(data)
	s.mu.Lock()
	s.data = data
	s.touchLocked()
	s.mu.Unlock()
	s.changed()
	s.Broadcast()
}

// Broadcast sends the full snapshot as dashboard_state.
func (s *State) Broadcast() {
	s.send(protocol.TypeDashboardState, s.outbound(""))
}

// SyncDashboard pushes the snapshot to one user as dashboard_sync.
func (s *State) SyncDashboard(targetUserID string) {
	s.send(protocol.TypeDashboardSync, s.outbound(targetUserID))
}

func (s *State) outbound(target string) protocol.DashboardState {
	snap := s.Snapshot()
	return protocol.DashboardState{
		SourceUserID:  s.userID,
		TargetUserID:  target,
		DashboardType: string(snap.DashboardType),
		Filters:       snap.Filters,
		Data:          snap.Data,
		Timestamp:     protocol.Seconds(s.clock.Now()),
	}
}

// HandleRemote applies another session's dashboard_state or dashboard_sync.
// It reports whether the state changed. The local user's own broadcasts and
// syncs aimed at someone else are ignored, and nothing is rebroadcast.
func (s *State) HandleRemote(remote protocol.DashboardState) bool {
	if remote.SourceUserID == s.userID {
		return false
	}
	if remote.TargetUserID != "" && remote.TargetUserID != s.userID {
		return false
	}
	var nextType Type
	if remote.DashboardType != "" {
		t, err := ParseType(remote.DashboardType)
		if err != nil {
			s.logf("dashboard: remote from %s: %v", remote.SourceUserID, err)
			return false
		}
		nextType = t
	}

	s.mu.Lock()
	if nextType != "" {
		s.dashboardType = nextType
	}
	if remote.Filters != nil {
		s.filters = cloneMap(remote.Filters)
	}
	if remote.Data != nil {
		s.data = cloneMap(remote.Data)
	}
	s.touchLocked()
	s.persistLocked()
	current := s.dashboardType
	s.mu.Unlock()

	if s.navigator != nil {
		if route := current.Route(); s.navigator.CurrentRoute() != route {
			s.navigator.Navigate(route)
		}
	}
	s.changed()
	return true
}

// HandleRemoteFilter merges a filter patch from another user.
func (s *State) HandleRemoteFilter(remote protocol.DashboardFilter) bool {
	if remote.SourceUserID == s.userID || len(remote.Filters) == 0 {
		return false
	}
	s.mu.Lock()
	for k, v := range remote.Filters {
		s.filters[k] = v
	}
	s.touchLocked()
	s.persistLocked()
	s.mu.Unlock()
	s.changed()
	return true
}

// UpdateTask records a local task change, sends it as task_update and then
// sends the resulting dashboard snapshot.
func (s *State) UpdateTask(task protocol.Task, kind UpdateKind) protocol.TaskUpdate {
	now := s.clock.Now()

	s.mu.Lock()
	previous := s.taskStatusLocked(task.ID)
	update := FormatTaskUpdate(task, kind, previous, s.newID(), now)
	notification := TaskNotification(task, update)
	status := BeautifiedStatusMessage(task, previous)
	s.updates.push(update)
	s.notifications.push(notification)
	s.patchTaskLocked(task, status)
	s.touchLocked()
	s.mu.Unlock()

	payload := protocol.TaskUpdate{
		Task:             task,
		Update:           &update,
		Notification:     &notification,
		BeautifiedStatus: status,
	}
	s.changed()
	s.send(protocol.TypeTaskUpdate, payload)
	s.Broadcast()
	return payload
}

// HandleTaskUpdate records a task change from another session. The
// sender's own update and notification are kept when present.
func (s *State) HandleTaskUpdate(remote protocol.TaskUpdate) {
	if remote.SenderID != "" && remote.SenderID == s.userID {
		return
	}
	s.mu.Lock()
	var update protocol.TaskUpdateInfo
	if remote.Update != nil {
		update = *remote.Update
	} else {
		update = FormatTaskUpdate(remote.Task, UpdateGeneric, "", s.newID(), s.clock.Now())
	}
	notification := TaskNotification(remote.Task, update)
	if remote.Notification != nil {
		notification = *remote.Notification
	}
	s.updates.push(update)
	s.notifications.push(notification)
	s.touchLocked()
	s.mu.Unlock()
	s.changed()
}

// HandleBeautifiedStatus stores text on the matching task in data.tasks.
func (s *State) HandleBeautifiedStatus(status protocol.BeautifiedStatus) bool {
	s.mu.Lock()
	tasks, _ := s.data["tasks"].([]any)
	found := false
	for i, raw := range tasks {
		task, ok := raw.(map[string]any)
		if !ok || protocol.IDString(task["id"]) != string(status.TaskID) {
			continue
		}
		patched := cloneMap(task)
		patched["beautified_status_message"] = status.Status
		tasks[i] = patched
		found = true
	}
	if found {
		s.touchLocked()
	}
	s.mu.Unlock()
	if found {
		s.changed()
	}
	return found
}

func (s *State) Notifications() []protocol.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifications.list()
}

func (s *State) TaskUpdates() []protocol.TaskUpdateInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates.list()
}

func (s *State) ClearNotifications() {
	s.mu.Lock()
	s.notifications.clear()
	s.updates.clear()
	s.mu.Unlock()
	s.changed()
}

func (s *State) taskStatusLocked(id protocol.ID) string {
	tasks, _ := s.data["tasks"].([]any)
	for _, raw := range tasks {
		if task, ok := raw.(map[string]any); ok && protocol.IDString(task["id"]) == string(id) {
			status, _ := task["status"].(string)
			return status
		}
	}
	return ""
}

// patchTaskLocked overwrites the matching entry in data.tasks. Tasks not
// already on the dashboard are left out.
func (s *State) patchTaskLocked(task protocol.Task, status string) {
	tasks, _ := s.data["tasks"].([]any)
	for i, raw := range tasks {
		existing, ok := raw.(map[string]any)
		if !ok || protocol.IDString(existing["id"]) != string(task.ID) {
			continue
		}
		fields := cloneMap(existing)
		for k, v := range toMap(task) {
			fields[k] = v
		}
		fields["beautified_status_message"] = status
		tasks[i] = fields
	}
}

func (s *State) touchLocked() {
	s.lastUpdate = s.clock.Now()
}

func (s *State) persistLocked() {
	if s.prefs == nil {
		return
	}
	if err := storage.SetJSON(s.prefs, storage.KeyDashboardType, string(s.dashboardType)); err != nil {
		s.logf("dashboard: persist %s: %v", storage.KeyDashboardType, err)
	}
	if err := storage.SetJSON(s.prefs, storage.KeyDashboardFilters, s.filters); err != nil {
		s.logf("dashboard: persist %s: %v", storage.KeyDashboardFilters, err)
	}
}

func (s *State) send(msgType protocol.MessageType, payload any) {
	if s.sender == nil {
		return
	}
	s.sender.Send(msgType, payload)
}

func (s *State) changed() {
	s.bus.Emit(eventbus.DashboardChanged, s.Snapshot())
}

func (s *State) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

// cloneMap deep-copies through JSON so callers never share nested slices
// or maps with the live state. Values JSON cannot encode fall back to a
// shallow copy.
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(in)
	if err == nil {
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err == nil {
			return out
		}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}
