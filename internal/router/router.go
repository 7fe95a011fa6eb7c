// Package router dispatches inbound envelopes by type to handlers that
// decode the payload and publish it on the event bus.
package router

import (
	"github.com/agentworkforce/dashsync/internal/eventbus"
	"github.com/agentworkforce/dashsync/internal/protocol"
)

type Logger interface {
	Printf(format string, args ...any)
}

type handlerFunc func(r *Router, env protocol.Envelope) error

// handlers is fixed at build time; unknown types fall through to a log line.
var handlers = map[protocol.MessageType]handlerFunc{
	protocol.TypeTaskUpdate:       handleTaskUpdate,
	protocol.TypeTaskStatusChange: handleTaskStatusChange,
	protocol.TypeDashboardSync:    handleDashboard(eventbus.DashboardSync),
	protocol.TypeDashboardState:   handleDashboard(eventbus.DashboardState),
	protocol.TypeDashboardFilter:  handleDashboardFilter,
	protocol.TypeStateUpdate:      handleStateUpdate,
	protocol.TypeNotification:     handleNotification,
	protocol.TypeBeautifiedStatus: handleBeautifiedStatus,
	protocol.TypeUserPresence:     handleUserPresence,
	protocol.TypePing:             handlePing,
	protocol.TypeError:            handleError,
}

type Router struct {
	workspaceID string
	bus         *eventbus.Bus
	logger      Logger
}

func New(workspaceID string, bus *eventbus.Bus, logger Logger) *Router {
	return &Router{workspaceID: workspaceID, bus: bus, logger: logger}
}

// Dispatch never fails: foreign-workspace envelopes are dropped silently,
// unknown types and bad payloads are logged.
func (r *Router) Dispatch(env protocol.Envelope) {
	if env.WorkspaceID != "" && env.WorkspaceID != r.workspaceID {
		return
	}
	handle, ok := handlers[env.Type]
	if !ok {
		r.logf("router: unknown message type %q", env.Type)
		return
	}
	if err := handle(r, env); err != nil {
		r.logf("router: %v", err)
	}
}

func handleTaskUpdate(r *Router, env protocol.Envelope) error {
	var update protocol.TaskUpdate
	if err := env.DecodePayload(&update); err != nil {
		return err
	}
	update.SenderID = env.SenderID
	r.bus.Emit(eventbus.TaskUpdate, update)
	if update.BeautifiedStatus != "" {
		r.bus.Emit(eventbus.BeautifiedStatus, protocol.BeautifiedStatus{
			TaskID: update.Task.ID,
			Status: update.BeautifiedStatus,
		})
	}
	if update.Notification != nil {
		r.bus.Emit(eventbus.Notification, *update.Notification)
	}
	return nil
}

func handleTaskStatusChange(r *Router, env protocol.Envelope) error {
	var change protocol.TaskStatusChange
	if err := env.DecodePayload(&change); err != nil {
		return err
	}
	change.SenderID = env.SenderID
	r.bus.Emit(eventbus.TaskStatusChange, change)
	return nil
}

func handleDashboard(event string) handlerFunc {
	return func(r *Router, env protocol.Envelope) error {
		var state protocol.DashboardState
		if err := env.DecodePayload(&state); err != nil {
			return err
		}
		if state.SourceUserID == "" {
			state.SourceUserID = env.SenderID
		}
		if state.Timestamp == 0 {
			state.Timestamp = env.Timestamp
		}
		r.bus.Emit(event, state)
		return nil
	}
}

func handleDashboardFilter(r *Router, env protocol.Envelope) error {
	var filter protocol.DashboardFilter
	if err := env.DecodePayload(&filter); err != nil {
		return err
	}
	if filter.SourceUserID == "" {
		filter.SourceUserID = env.SenderID
	}
	if filter.Timestamp == 0 {
		filter.Timestamp = env.Timestamp
	}
	r.bus.Emit(eventbus.DashboardFilter, filter)
	return nil
}

func handleStateUpdate(r *Router, env protocol.Envelope) error {
	var update protocol.StateUpdate
	if err := env.DecodePayload(&update); err != nil {
		return err
	}
	update.SenderID = env.SenderID
	if update.Timestamp == 0 {
		update.Timestamp = env.Timestamp
	}
	r.bus.Emit(eventbus.StateUpdate, update)
	return nil
}

func handleNotification(r *Router, env protocol.Envelope) error {
	var n protocol.Notification
	if err := env.DecodePayload(&n); err != nil {
		return err
	}
	r.bus.Emit(eventbus.Notification, n)
	return nil
}

func handleBeautifiedStatus(r *Router, env protocol.Envelope) error {
	var status protocol.BeautifiedStatus
	if err := env.DecodePayload(&status); err != nil {
		return err
	}
	r.bus.Emit(eventbus.BeautifiedStatus, status)
	return nil
}

func handleUserPresence(r *Router, env protocol.Envelope) error {
	var presence protocol.Presence
	if err := env.DecodePayload(&presence); err != nil {
		return err
	}
	if presence.UserID == "" {
		presence.UserID = env.SenderID
	}
	r.bus.Emit(eventbus.UserPresence, presence)
	return nil
}

func handlePing(r *Router, env protocol.Envelope) error {
	return nil
}

func handleError(r *Router, env protocol.Envelope) error {
	var payload protocol.ErrorPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	r.logf("router: server error: %s", payload.Message)
	return nil
}

func (r *Router) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
