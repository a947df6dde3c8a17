package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"
)

// DefaultSendBuffer is the outbound queue depth of one session.
const DefaultSendBuffer = 64

// Persister durably stores the config record and the history buffer.
type Persister interface {
	SaveConfig(ctx context.Context, cfg config.Config) error
	SaveHistory(ctx context.Context, records []protocol.Record) error
}

// Auditor records successful admin mutations.
type Auditor interface {
	InsertAudit(ctx context.Context, action, target string) error
}

// Session is one logged-in connection.
type Session struct {
	ConnID      string
	Username    string
	RemoteAddr  string
	ConnectedAt time.Time
	// Send yields every event addressed to this session. It is closed when
	// the session is removed; the transport must then close the connection.
	Send <-chan protocol.Message
}

type session struct {
	Session
	send chan protocol.Message
}

// Relay is the single owner of all shared chat state: config, ban registry,
// session registry and history buffer. One mutex guards all of it, so every
// admission, message and admin call sees a consistent cross-structure view.
type Relay struct {
	mu       sync.Mutex
	cfg      config.Config
	bans     map[string]struct{}
	sessions map[string]*session
	order    []string // connection ids in join order
	history  *History

	persister Persister
	auditor   Auditor
	metrics   *metrics.Metrics
	now       func() time.Time
	sendBuf   int
}

// Option configures a Relay.
type Option func(*Relay)

// WithPersister sets the durable sink for config and history.
func WithPersister(p Persister) Option { return func(r *Relay) { r.persister = p } }

// WithAuditor records admin mutations.
func WithAuditor(a Auditor) Option { return func(r *Relay) { r.auditor = a } }

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Relay) { r.metrics = m } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(r *Relay) { r.now = now } }

// WithSendBuffer sets the per-session outbound queue depth.
func WithSendBuffer(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.sendBuf = n
		}
	}
}

// NewRelay builds a Relay from the loaded config and history.
func NewRelay(cfg config.Config, history []protocol.Record, opts ...Option) *Relay {
	cfg = cfg.Normalized().Clone()
	if cfg.HistoryCount < 0 {
		cfg.HistoryCount = 0
	}

	r := &Relay{
		cfg:      cfg,
		bans:     make(map[string]struct{}, len(cfg.BannedIPs)),
		sessions: make(map[string]*session),
		history:  NewHistory(history, cfg.HistoryCount),
		now:      time.Now,
		sendBuf:  DefaultSendBuffer,
	}
	for _, ip := range cfg.BannedIPs {
		r.bans[ip] = struct{}{}
	}
	for _, opt := range opts {
		opt(r)
	}

	slog.Debug("relay initialized",
		"max_users", cfg.MaxUsers,
		"max_message_length", cfg.MaxMessageLength,
		"history_count", cfg.HistoryCount,
		"history_loaded", r.history.Len(),
		"banned_ips", len(r.bans),
	)
	return r
}

// Config returns a copy of the current config record.
func (r *Relay) Config() config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Clone()
}

// MaxMessageLength returns the live message length limit in characters.
func (r *Relay) MaxMessageLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.MaxMessageLength
}

// History returns a copy of the history buffer, oldest first.
func (r *Relay) History() []protocol.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.Records()
}

// OnlineCount returns the number of logged-in sessions.
func (r *Relay) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Usernames returns the roster in join order.
func (r *Relay) Usernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listUsernamesLocked()
}

// Session returns the session bound to connID.
func (r *Relay) Session(connID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.findLocked(connID)
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// SendTo queues one event for one session.
func (r *Relay) SendTo(connID string, msg protocol.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.findLocked(connID)
	if !ok {
		return false
	}
	return r.deliverLocked(s, msg)
}

// Disconnect removes the session bound to connID, if any, and tells the
// remaining sessions. Unauthenticated connections are a no-op.
func (r *Relay) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.removeLocked(connID)
	if !ok {
		return
	}
	slog.Info("user left", "conn_id", connID, "username", s.Username, "remaining_users", len(r.sessions))
	r.announceLeaveLocked(s.Username)
}

func (r *Relay) addLocked(s *session) {
	r.sessions[s.ConnID] = s
	r.order = append(r.order, s.ConnID)
	r.metrics.SetSessions(len(r.sessions))
}

func (r *Relay) removeLocked(connID string) (*session, bool) {
	s, ok := r.sessions[connID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	close(s.send)
	r.metrics.SetSessions(len(r.sessions))
	return s, true
}

func (r *Relay) findLocked(connID string) (*session, bool) {
	s, ok := r.sessions[connID]
	return s, ok
}

func (r *Relay) findByUsernameLocked(name string) (string, bool) {
	for _, id := range r.order {
		if r.sessions[id].Username == name {
			return id, true
		}
	}
	return "", false
}

func (r *Relay) listUsernamesLocked() []string {
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id].Username)
	}
	return out
}

func (r *Relay) announceJoinLocked(username string) {
	r.broadcastLocked(protocol.Message{Type: protocol.TypeSystem, Message: fmt.Sprintf("%s joined the chat", username)})
	r.broadcastLocked(protocol.Message{Type: protocol.TypeUserList, Users: r.listUsernamesLocked()})
}

func (r *Relay) announceLeaveLocked(username string) {
	r.broadcastLocked(protocol.Message{Type: protocol.TypeSystem, Message: fmt.Sprintf("%s left the chat", username)})
	r.broadcastLocked(protocol.Message{Type: protocol.TypeUserList, Users: r.listUsernamesLocked()})
}

// broadcastLocked delivers msg to every session in join order.
func (r *Relay) broadcastLocked(msg protocol.Message) {
	sent := 0
	for _, id := range r.order {
		if r.deliverLocked(r.sessions[id], msg) {
			sent++
		}
	}
	slog.Debug("broadcast", "type", msg.Type, "recipients", sent, "total", len(r.order))
}

// deliverLocked never blocks: a session whose queue is full misses the event.
func (r *Relay) deliverLocked(s *session, msg protocol.Message) bool {
	select {
	case s.send <- msg:
		return true
	default:
		r.metrics.DroppedEvent()
		slog.Debug("send queue full, event dropped", "conn_id", s.ConnID, "type", msg.Type)
		return false
	}
}

func (r *Relay) persistConfigLocked(ctx context.Context) {
	if r.persister == nil {
		return
	}
	if err := r.persister.SaveConfig(ctx, r.cfg.Clone()); err != nil {
		r.metrics.PersistFailure("config")
		slog.Error("persist config failed; in-memory change kept", "err", err)
	}
}

func (r *Relay) persistHistoryLocked(ctx context.Context) {
	if r.persister == nil {
		return
	}
	if err := r.persister.SaveHistory(ctx, r.history.Records()); err != nil {
		r.metrics.PersistFailure("history")
		slog.Error("persist history failed; in-memory change kept", "err", err, "records", r.history.Len())
	}
}
