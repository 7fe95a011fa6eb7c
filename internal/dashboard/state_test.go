package dashboard

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/dashsync/internal/clock"
	"github.com/agentworkforce/dashsync/internal/eventbus"
	"github.com/agentworkforce/dashsync/internal/protocol"
	"github.com/agentworkforce/dashsync/internal/storage"
)

type sent struct {
	Type    protocol.MessageType
	Payload any
}

type recordingSender struct{ messages []sent }

func (r *recordingSender) Send(msgType protocol.MessageType, payload any) {
	r.messages = append(r.messages, sent{Type: msgType, Payload: payload})
}

func (r *recordingSender) last(t *testing.T) sent {
	t.Helper()
	require.NotEmpty(t, r.messages)
	return r.messages[len(r.messages)-1]
}

type fakeNavigator struct {
	route   string
	history []string
}

func (n *fakeNavigator) CurrentRoute() string { return n.route }

func (n *fakeNavigator) Navigate(route string) {
	n.route = route
	n.history = append(n.history, route)
}

type fixture struct {
	state  *State
	sender *recordingSender
	nav    *fakeNavigator
	prefs  *storage.MemoryPreferences
	clock  *clock.FakeClock
}

func newFixture(t *testing.T, userID, role string, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		sender: &recordingSender{},
		prefs:  storage.NewMemoryPreferences(),
		clock:  clock.Fake(time.Date(2024, 3, 2, 15, 4, 0, 0, time.UTC)),
	}
	f.nav = &fakeNavigator{route: TypeForRole(role).Route()}
	ids := 0
	opts := Options{
		UserID:      userID,
		Role:        role,
		Preferences: f.prefs,
		Sender:      f.sender,
		Navigator:   f.nav,
		Clock:       f.clock,
		NewID: func() string {
			ids++
			return fmt.Sprintf("id-%d", ids)
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.state = New(opts)
	return f
}

func TestInitialTypeFollowsRole(t *testing.T) {
	assert.Equal(t, TypeFounder, newFixture(t, "u1", "founder", nil).state.DashboardType())
	assert.Equal(t, TypeTeam, newFixture(t, "u2", "sales_rep", nil).state.DashboardType())
	assert.Equal(t, TypeTeam, newFixture(t, "u3", "", nil).state.DashboardType())
}

func TestInitialStateRestoresPreferences(t *testing.T) {
	prefs := storage.NewMemoryPreferences()
	require.NoError(t, storage.SetJSON(prefs, storage.KeyDashboardType, "founder"))
	require.NoError(t, storage.SetJSON(prefs, storage.KeyDashboardFilters, map[string]any{"dateRange": "30d"}))

	f := newFixture(t, "u2", "member", func(o *Options) { o.Preferences = prefs })
	snap := f.state.Snapshot()
	assert.Equal(t, TypeFounder, snap.DashboardType)
	assert.Equal(t, map[string]any{"dateRange": "30d"}, snap.Filters)
	assert.Equal(t, DefaultData(), snap.Data)
}

func TestDefaultsWithoutPreferences(t *testing.T) {
	f := newFixture(t, "u1", "founder", func(o *Options) { o.Preferences = nil })
	snap := f.state.Snapshot()
	assert.Equal(t, DefaultFilters(), snap.Filters)
	assert.Equal(t, DefaultData(), snap.Data)
}

func TestLocalChangesPersistAndBroadcast(t *testing.T) {
	f := newFixture(t, "u1", "member", nil)
	require.NoError(t, f.state.SetDashboardType(TypeFounder))
	f.state.UpdateFilters(map[string]any{"taskStatus": "open"})

	msg := f.sender.last(t)
	require.Equal(t, protocol.TypeDashboardState, msg.Type)
	payload := msg.Payload.(protocol.DashboardState)
	assert.Equal(t, "u1", payload.SourceUserID)
	assert.Equal(t, "founder", payload.DashboardType)
	assert.Equal(t, "open", payload.Filters["taskStatus"])
	assert.Equal(t, float64(time.Date(2024, 3, 2, 15, 4, 0, 0, time.UTC).Unix()), payload.Timestamp)

	var stored string
	ok, err := storage.GetJSON(f.prefs, storage.KeyDashboardType, &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "founder", stored)
	var filters map[string]any
	_, err = storage.GetJSON(f.prefs, storage.KeyDashboardFilters, &filters)
	require.NoError(t, err)
	assert.Equal(t, "open", filters["taskStatus"])

	assert.ErrorIs(t, f.state.SetDashboardType("admin"), ErrInvalidType)
}

func TestDataChanges(t *testing.T) {
	f := newFixture(t, "u1", "founder", nil)
	f.state.UpdateData(map[string]any{"stats": map[string]any{"open": 3}})
	snap := f.state.Snapshot()
	assert.Equal(t, map[string]any{"open": float64(3)}, snap.Data["stats"])
	assert.Equal(t, []any{}, snap.Data["tasks"])

	f.state.SetData(map[string]any{"tasks": []any{}})
	assert.Equal(t, map[string]any{"tasks": []any{}}, f.state.Snapshot().Data)
	assert.Len(t, f.sender.messages, 2)
}

func TestOwnBroadcastIsNeverReapplied(t *testing.T) {
	f := newFixture(t, "u1", "founder", nil)
	before := f.state.Snapshot()

	applied := f.state.HandleRemote(protocol.DashboardState{
		SourceUserID:  "u1",
		DashboardType: "team",
		Filters:       map[string]any{"status": "cold"},
	})
	assert.False(t, applied)
	assert.Equal(t, before, f.state.Snapshot())
	assert.Empty(t, f.nav.history)
	assert.Empty(t, f.sender.messages)
}

func TestSyncForAnotherUserIsIgnored(t *testing.T) {
	f := newFixture(t, "u2", "member", nil)
	assert.False(t, f.state.HandleRemote(protocol.DashboardState{
		SourceUserID:  "u1",
		TargetUserID:  "u3",
		DashboardType: "founder",
	}))
	assert.Equal(t, TypeTeam, f.state.DashboardType())

	assert.True(t, f.state.HandleRemote(protocol.DashboardState{
		SourceUserID:  "u1",
		TargetUserID:  "u2",
		DashboardType: "founder",
	}))
	assert.Equal(t, TypeFounder, f.state.DashboardType())
}

func TestRemoteWithInvalidTypeIsIgnored(t *testing.T) {
	f := newFixture(t, "u2", "member", nil)
	assert.False(t, f.state.HandleRemote(protocol.DashboardState{SourceUserID: "u1", DashboardType: "admin"}))
	assert.Equal(t, TypeTeam, f.state.DashboardType())
}

// Session A (founder, u1) changes type and filters; session B (team, u2)
// ends up with A's broadcast and moves to the founder dashboard.
func TestFounderBroadcastConvergesTeamSession(t *testing.T) {
	a := newFixture(t, "u1", "founder", nil)
	b := newFixture(t, "u2", "member", nil)
	require.Equal(t, "/team-dashboard", b.nav.CurrentRoute())

	require.NoError(t, a.state.SetDashboardType(TypeFounder))
	a.state.UpdateFilters(map[string]any{"status": "hot"})

	for _, msg := range a.sender.messages {
		require.Equal(t, protocol.TypeDashboardState, msg.Type)
		state := msg.Payload.(protocol.DashboardState)
		// The relay echoes to the sender as well.
		a.state.HandleRemote(state)
		b.state.HandleRemote(state)
	}

	broadcast := a.sender.last(t).Payload.(protocol.DashboardState)
	got := b.state.Snapshot()
	assert.Equal(t, broadcast.DashboardType, string(got.DashboardType))
	assert.Equal(t, broadcast.Filters, got.Filters)
	assert.Equal(t, broadcast.Data, got.Data)
	assert.Equal(t, "hot", got.Filters["status"])
	assert.Equal(t, []string{"/founder-dashboard"}, b.nav.history)
	assert.Empty(t, a.nav.history)
	assert.Empty(t, b.sender.messages, "remote state is never rebroadcast")

	var stored string
	_, err := storage.GetJSON(b.prefs, storage.KeyDashboardType, &stored)
	require.NoError(t, err)
	assert.Equal(t, "founder", stored)
}

func TestSyncDashboardTargetsUser(t *testing.T) {
	f := newFixture(t, "u1", "founder", nil)
	f.state.SyncDashboard("u9")
	msg := f.sender.last(t)
	assert.Equal(t, protocol.TypeDashboardSync, msg.Type)
	assert.Equal(t, "u9", msg.Payload.(protocol.DashboardState).TargetUserID)
}

func TestRemoteFilterMerge(t *testing.T) {
	f := newFixture(t, "u1", "founder", nil)
	assert.True(t, f.state.HandleRemoteFilter(protocol.DashboardFilter{
		SourceUserID: "u2",
		Filters:      map[string]any{"dateRange": "30d"},
	}))
	assert.False(t, f.state.HandleRemoteFilter(protocol.DashboardFilter{
		SourceUserID: "u1",
		Filters:      map[string]any{"dateRange": "1d"},
	}))
	filters := f.state.Snapshot().Filters
	assert.Equal(t, "30d", filters["dateRange"])
	assert.Equal(t, "all", filters["taskStatus"])
	assert.Empty(t, f.sender.messages)
}

func TestUpdateTaskSendsTaskUpdateThenState(t *testing.T) {
	f := newFixture(t, "u1", "founder", nil)
	f.state.SetData(map[string]any{"tasks": []any{
		map[string]any{"id": 12, "title": "Call investor", "status": "IN_PROGRESS"},
	}})
	f.sender.messages = nil

	payload := f.state.UpdateTask(protocol.Task{ID: "12", Title: "Call investor", Status: "COMPLETED"}, UpdateStatusChange)

	require.Len(t, f.sender.messages, 2)
	assert.Equal(t, protocol.TypeTaskUpdate, f.sender.messages[0].Type)
	assert.Equal(t, protocol.TypeDashboardState, f.sender.messages[1].Type)
	assert.Equal(t, "Task \"Call investor\" moved from 🔄 In Progress to ✅ Completed", payload.BeautifiedStatus)
	require.NotNil(t, payload.Notification)
	assert.Equal(t, "task_update", payload.Notification.Type)
	assert.Equal(t, "id-1", payload.Notification.ID)

	tasks := f.state.Snapshot().Data["tasks"].([]any)
	task := tasks[0].(map[string]any)
	assert.Equal(t, "COMPLETED", task["status"])
	assert.Equal(t, payload.BeautifiedStatus, task["beautified_status_message"])

	assert.Len(t, f.state.Notifications(), 1)
	assert.Len(t, f.state.TaskUpdates(), 1)
}

func TestHandleTaskUpdateRecordsWithoutRebroadcast(t *testing.T) {
	f := newFixture(t, "u1", "founder", nil)
	f.state.HandleTaskUpdate(protocol.TaskUpdate{
		Task:         protocol.Task{ID: "t1", Title: "Ship"},
		Notification: &protocol.Notification{ID: "n1", Title: "Task Updated"},
		SenderID:     "u2",
	})
	f.state.HandleTaskUpdate(protocol.TaskUpdate{Task: protocol.Task{ID: "t2", Title: "Plan"}, SenderID: "u3"})
	f.state.HandleTaskUpdate(protocol.TaskUpdate{Task: protocol.Task{ID: "t3", Title: "Echo"}, SenderID: "u1"})

	notes := f.state.Notifications()
	require.Len(t, notes, 2)
	assert.Equal(t, "Task \"Plan\" has been updated", notes[0].Message)
	assert.Equal(t, "n1", notes[1].ID)
	assert.Empty(t, f.sender.messages)
}

func TestNotificationsAreBoundedNewestFirst(t *testing.T) {
	f := newFixture(t, "u1", "founder", func(o *Options) { o.NotificationLimit = 3 })
	for i := 1; i <= 5; i++ {
		f.state.HandleTaskUpdate(protocol.TaskUpdate{
			Task:     protocol.Task{ID: protocol.ID(fmt.Sprint(i)), Title: fmt.Sprintf("task %d", i)},
			SenderID: "u2",
		})
	}
	notes := f.state.Notifications()
	require.Len(t, notes, 3)
	assert.Equal(t, protocol.ID("5"), notes[0].TaskID)
	assert.Equal(t, protocol.ID("3"), notes[2].TaskID)

	f.state.ClearNotifications()
	assert.Empty(t, f.state.Notifications())
	assert.Empty(t, f.state.TaskUpdates())
}

func TestBeautifiedStatusPatchesMatchingTask(t *testing.T) {
	f := newFixture(t, "u1", "founder", nil)
	f.state.SetData(map[string]any{"tasks": []any{
		map[string]any{"id": 4, "title": "a"},
		map[string]any{"id": "5", "title": "b"},
	}})

	assert.True(t, f.state.HandleBeautifiedStatus(protocol.BeautifiedStatus{TaskID: "4", Status: "done!"}))
	assert.False(t, f.state.HandleBeautifiedStatus(protocol.BeautifiedStatus{TaskID: "99", Status: "nope"}))

	tasks := f.state.Snapshot().Data["tasks"].([]any)
	assert.Equal(t, "done!", tasks[0].(map[string]any)["beautified_status_message"])
	assert.Nil(t, tasks[1].(map[string]any)["beautified_status_message"])
}

func TestChangesArePublished(t *testing.T) {
	bus := eventbus.New(nil)
	var snaps []Snapshot
	bus.Subscribe(eventbus.DashboardChanged, func(ev eventbus.Event) {
		snaps = append(snaps, ev.Payload.(Snapshot))
	})
	f := newFixture(t, "u1", "founder", func(o *Options) { o.Bus = bus })
	f.state.UpdateFilters(map[string]any{"dateRange": "1d"})
	require.Len(t, snaps, 1)
	assert.Equal(t, "1d", snaps[0].Filters["dateRange"])
}

func TestSnapshotIsACopy(t *testing.T) {
	f := newFixture(t, "u1", "founder", nil)
	snap := f.state.Snapshot()
	snap.Filters["dateRange"] = "mutated"
	assert.Equal(t, "7d", f.state.Snapshot().Filters["dateRange"])
}

func TestParseTypeAndRoute(t *testing.T) {
	typ, err := ParseType(" Founder ")
	require.NoError(t, err)
	assert.Equal(t, "/founder-dashboard", typ.Route())
	_, err = ParseType("admin")
	assert.ErrorIs(t, err, ErrInvalidType)
}
