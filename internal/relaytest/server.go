// Package relaytest runs an in-process sync server for tests: a websocket
// relay that rebroadcasts each envelope to every connection in the sender's
// workspace, and the bulk sync REST endpoint.
package relaytest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/dashsync/internal/auth"
	"github.com/agentworkforce/dashsync/internal/protocol"
)

const Secret = "relaytest-secret"

type SyncRequest struct {
	Kind        string `json:"-"`
	WorkspaceID string `json:"workspace_id"`
	LastSync    *int64 `json:"last_sync"`
	Auth        string `json:"-"`
}

type Server struct {
	*httptest.Server

	mu        sync.Mutex
	peers     map[*peer]struct{}
	received  []protocol.Envelope
	rejecting bool
	syncData  map[string][]map[string]any
	syncFail  map[string]int
	syncCalls []SyncRequest
}

type peer struct {
	conn        *websocket.Conn
	userID      string
	workspaceID string
	binary      atomic.Bool
	cancel      context.CancelFunc
}

func NewServer() *Server {
	s := &Server{
		peers:    map[*peer]struct{}{},
		syncData: map[string][]map[string]any{},
		syncFail: map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleSocket)
	mux.HandleFunc("/api/", s.handleSync)
	s.Server = httptest.NewServer(mux)
	return s
}

// Token issues a session token the relay accepts.
func Token(userID, workspaceID, role string) string {
	token, err := auth.IssueToken(auth.Claims{
		UserID:      userID,
		WorkspaceID: workspaceID,
		Role:        role,
		Exp:         time.Now().Add(time.Hour).Unix(),
	}, Secret)
	if err != nil {
		panic(err)
	}
	return token
}

// Close drops every socket before shutting the HTTP server down.
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

func (s *Server) SocketURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// SetRejecting makes new socket upgrades fail with 503.
func (s *Server) SetRejecting(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejecting = reject
}

func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Received lists every envelope the relay has read, pings included.
func (s *Server) Received() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.received...)
}

// DropConnections closes every socket from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.cancel()
		_ = p.conn.Close(websocket.StatusGoingAway, "relay restarting")
	}
}

// Broadcast sends env to every connection in env's workspace, or to every
// connection when the workspace is empty.
func (s *Server) Broadcast(env protocol.Envelope) {
	s.mu.Lock()
	targets := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		if env.WorkspaceID == "" || p.workspaceID == env.WorkspaceID {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()
	for _, p := range targets {
		p.send(env)
	}
}

// BroadcastRaw writes a raw text frame to every connection.
func (s *Server) BroadcastRaw(frame []byte) {
	s.mu.Lock()
	targets := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		targets = append(targets, p)
	}
	s.mu.Unlock()
	for _, p := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = p.conn.Write(ctx, websocket.MessageText, frame)
		cancel()
	}
}

func (s *Server) SetSyncData(kind string, items []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncData[kind] = items
}

// FailSync makes the next n sync calls for kind answer 503.
func (s *Server) FailSync(kind string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncFail[kind] = n
}

func (s *Server) SyncCalls() []SyncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SyncRequest(nil), s.syncCalls...)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.ParseToken(r.URL.Query().Get("token"), Secret, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	rejecting := s.rejecting
	s.mu.Unlock()
	if rejecting {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	p := &peer{conn: conn, userID: claims.UserID, workspaceID: claims.WorkspaceID, cancel: cancel}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var codec protocol.Codec = protocol.JSONCodec{}
		if typ == websocket.MessageBinary {
			codec = protocol.MsgpackCodec{}
			p.binary.Store(true)
		}
		env, err := codec.Decode(data)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, env)
		s.mu.Unlock()
		if env.Type == protocol.TypePing {
			continue
		}
		if env.SenderID == "" {
			env.SenderID = p.userID
		}
		env.WorkspaceID = p.workspaceID
		s.Broadcast(env)
	}
}

func (p *peer) send(env protocol.Envelope) {
	var codec protocol.Codec = protocol.JSONCodec{}
	typ := websocket.MessageText
	if p.binary.Load() {
		codec = protocol.MsgpackCodec{}
		typ = websocket.MessageBinary
	}
	frame, err := codec.Encode(env)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = p.conn.Write(ctx, typ, frame)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "s/sync") {
		http.NotFound(w, r)
		return
	}
	kind := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/"), "s/sync")
	if _, err := auth.ParseBearer(r.Header.Get("Authorization"), Secret, time.Now()); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": err.Error()})
		return
	}
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid body"})
		return
	}
	req.Kind = kind
	req.Auth = r.Header.Get("Authorization")

	s.mu.Lock()
	s.syncCalls = append(s.syncCalls, req)
	failing := s.syncFail[kind] > 0
	if failing {
		s.syncFail[kind]--
	}
	items := append([]map[string]any{}, s.syncData[kind]...)
	s.mu.Unlock()

	if failing {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "message": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": items})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
