// Package session owns everything one signed-in user needs for live sync:
// the transport, router, event bus, resource store and dashboard state. A
// Session is built at sign-in and disposed at logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/dashsync/internal/auth"
	"github.com/agentworkforce/dashsync/internal/clock"
	"github.com/agentworkforce/dashsync/internal/dashboard"
	"github.com/agentworkforce/dashsync/internal/eventbus"
	"github.com/agentworkforce/dashsync/internal/protocol"
	"github.com/agentworkforce/dashsync/internal/resources"
	"github.com/agentworkforce/dashsync/internal/router"
	"github.com/agentworkforce/dashsync/internal/storage"
	"github.com/agentworkforce/dashsync/internal/transport"
)

var ErrClosed = errors.New("session closed")

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// Token is the session credential. When UserID or WorkspaceID is empty
	// they are read from its claims.
	Token       string
	UserID      string
	WorkspaceID string
	Role        string

	SocketURL  string
	APIURL     string
	HTTPClient *http.Client

	Dialer       transport.Dialer
	Codec        protocol.Codec
	Validator    *protocol.Validator
	Preferences  storage.Preferences
	Outbox       storage.Outbox
	Navigator    dashboard.Navigator
	RemoteClient resources.RemoteClient
	Policy       resources.Policy

	ReconnectDelay    time.Duration
	PingInterval      time.Duration
	NotificationLimit int
	// DisableResync turns off the full resync after each reconnect.
	DisableResync bool

	Clock  clock.Clock
	Logger Logger
}

type Session struct {
	id     string
	claims auth.Claims
	logger Logger
	resync bool

	bus       *eventbus.Bus
	transport *transport.Client
	router    *router.Router
	resources *resources.Store
	dashboard *dashboard.State
	prefs     storage.Preferences
	ownsPrefs bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	unsubs  []func()
}

func New(opts Options) (*Session, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	claims, err := resolveClaims(opts)
	if err != nil {
		return nil, err
	}
	if opts.Validator == nil {
		validator, err := protocol.NewValidator()
		if err != nil {
			return nil, err
		}
		opts.Validator = validator
	}
	ownsPrefs := false
	if opts.Preferences == nil {
		opts.Preferences = storage.NewMemoryPreferences()
		ownsPrefs = true
	}
	if opts.RemoteClient == nil && strings.TrimSpace(opts.APIURL) != "" {
		opts.RemoteClient = resources.NewHTTPClient(opts.APIURL, opts.Token, opts.HTTPClient)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        uuid.NewString(),
		claims:    claims,
		logger:    opts.Logger,
		resync:    !opts.DisableResync,
		bus:       eventbus.New(opts.Logger),
		prefs:     opts.Preferences,
		ownsPrefs: ownsPrefs,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.router = router.New(claims.WorkspaceID, s.bus, opts.Logger)
	s.resources = resources.NewStore(resources.Options{
		WorkspaceID: claims.WorkspaceID,
		Client:      opts.RemoteClient,
		Policy:      opts.Policy,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
		Bus:         s.bus,
	})

	client, err := transport.NewClient(transport.Options{
		URL:            opts.SocketURL,
		Token:          opts.Token,
		UserID:         claims.UserID,
		WorkspaceID:    claims.WorkspaceID,
		Dialer:         opts.Dialer,
		Codec:          opts.Codec,
		Validator:      opts.Validator,
		Outbox:         opts.Outbox,
		Clock:          opts.Clock,
		Logger:         opts.Logger,
		ReconnectDelay: opts.ReconnectDelay,
		PingInterval:   opts.PingInterval,
		Handler:        s.router.Dispatch,
		OnStatus:       s.onStatus,
		OnReconnect:    s.onReconnect,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.transport = client

	s.dashboard = dashboard.New(dashboard.Options{
		UserID:            claims.UserID,
		Role:              claims.Role,
		Preferences:       opts.Preferences,
		Sender:            client,
		Navigator:         opts.Navigator,
		Clock:             opts.Clock,
		Logger:            opts.Logger,
		Bus:               s.bus,
		NotificationLimit: opts.NotificationLimit,
	})
	return s, nil
}

func resolveClaims(opts Options) (auth.Claims, error) {
	claims := auth.Claims{
		UserID:      strings.TrimSpace(opts.UserID),
		WorkspaceID: strings.TrimSpace(opts.WorkspaceID),
		Role:        strings.TrimSpace(opts.Role),
	}
	if claims.UserID != "" && claims.WorkspaceID != "" {
		return claims, nil
	}
	if strings.TrimSpace(opts.Token) == "" {
		return auth.Claims{}, fmt.Errorf("session: user and workspace ids or a token are required")
	}
	parsed, err := auth.ParseToken(opts.Token, "", opts.Clock.Now())
	if err != nil {
		return auth.Claims{}, fmt.Errorf("session: %w", err)
	}
	if claims.UserID == "" {
		claims.UserID = parsed.UserID
	}
	if claims.WorkspaceID == "" {
		claims.WorkspaceID = parsed.WorkspaceID
	}
	if claims.Role == "" {
		claims.Role = parsed.Role
	}
	claims.Email = parsed.Email
	claims.Exp = parsed.Exp
	return claims, nil
}

type preferencesWatcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// Start wires the router's events into the stores and opens the
// connection. Calling it again is a no-op.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.unsubs = append(s.unsubs,
		s.bus.Subscribe(eventbus.StateUpdate, func(ev eventbus.Event) {
			if update, ok := ev.Payload.(protocol.StateUpdate); ok {
				s.resources.HandleStateUpdate(update)
			}
		}),
		s.bus.Subscribe(eventbus.DashboardState, s.onDashboard),
		s.bus.Subscribe(eventbus.DashboardSync, s.onDashboard),
		s.bus.Subscribe(eventbus.DashboardFilter, func(ev eventbus.Event) {
			if filter, ok := ev.Payload.(protocol.DashboardFilter); ok {
				s.dashboard.HandleRemoteFilter(filter)
			}
		}),
		s.bus.Subscribe(eventbus.TaskUpdate, func(ev eventbus.Event) {
			if update, ok := ev.Payload.(protocol.TaskUpdate); ok {
				s.dashboard.HandleTaskUpdate(update)
			}
		}),
		s.bus.Subscribe(eventbus.BeautifiedStatus, func(ev eventbus.Event) {
			if status, ok := ev.Payload.(protocol.BeautifiedStatus); ok {
				s.dashboard.HandleBeautifiedStatus(status)
			}
		}),
	)
	s.mu.Unlock()

	if watcher, ok := s.prefs.(preferencesWatcher); ok {
		if err := watcher.Watch(s.ctx, s.dashboard.Reload); err != nil {
			s.logf("session: preferences watch disabled: %v", err)
		}
	}
	s.transport.Connect()
	return nil
}

func (s *Session) onDashboard(ev eventbus.Event) {
	if state, ok := ev.Payload.(protocol.DashboardState); ok {
		s.dashboard.HandleRemote(state)
	}
}

func (s *Session) onStatus(status transport.Status) {
	s.bus.Emit(eventbus.ConnectionStatus, status)
}

// onReconnect runs on the transport's goroutine, so the resync is handed
// off to keep inbound reads flowing.
func (s *Session) onReconnect() {
	if !s.resync {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		if err := s.Resync(s.ctx); err != nil {
			s.logf("session: resync after reconnect: %v", err)
		}
	}()
}

// Update applies a local change optimistically and sends it as a
// state_update.
func (s *Session) Update(kind resources.Kind, id string, data any, action resources.Action) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.resources.OptimisticUpdate(kind, id, data, action); err != nil {
		return err
	}
	s.transport.Send(protocol.TypeStateUpdate, protocol.StateUpdate{
		ResourceType: string(kind),
		ResourceID:   id,
		Action:       string(action),
		Data:         data,
	})
	return nil
}

// Resync replaces every kind with the server's copy.
func (s *Session) Resync(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.resources.SyncAll(ctx)
}

// Logout disconnects, forgets persisted dashboard preferences and closes
// the session.
func (s *Session) Logout() error {
	s.transport.Disconnect()
	var errs []error
	if err := s.prefs.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("clear preferences: %w", err))
	}
	s.dashboard.ClearNotifications()
	if err := s.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close tears the session down without touching persisted preferences.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.transport.Disconnect()
	s.cancel()
	for _, unsub := range unsubs {
		unsub()
	}
	s.wg.Wait()
	if s.ownsPrefs {
		return s.prefs.Close()
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) ID() string { return s.id }
func (s *Session) Claims() auth.Claims { return s.claims }
func (s *Session) Bus() *eventbus.Bus { return s.bus }
func (s *Session) Transport() *transport.Client { return s.transport }
func (s *Session) Resources() *resources.Store { return s.resources }
func (s *Session) Dashboard() *dashboard.State { return s.dashboard }
func (s *Session) Status() transport.Status { return s.transport.Status() }
func (s *Session) Preferences() storage.Preferences { return s.prefs }

func (s *Session) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
