// Package session implements the stateful Streamable HTTP session registry
// of spec.md §4.4: one child process per session, access-counted so a
// session is only evicted after its last in-flight request finishes and it
// has sat idle past the configured timeout.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/supergateway/supergateway/internal/child"
	"github.com/supergateway/supergateway/internal/errs"
	"github.com/supergateway/supergateway/internal/jsonrpc"
)

func noopCtx() context.Context { return context.Background() }

// Session is one stateful Streamable HTTP session: its backing child, the
// pending map correlating in-flight client requests with the child's
// stdout, and the queue of server-initiated events a GET long-poll can
// drain (spec.md §3 Session).
type Session struct {
	ID    string
	Child *child.Supervisor

	mu     sync.Mutex
	events []jsonrpc.Message
	waitCh chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan jsonrpc.Message

	stop chan struct{}
}

func newSession(id string, c *child.Supervisor) *Session {
	sess := &Session{
		ID:      id,
		Child:   c,
		waitCh:  make(chan struct{}, 1),
		pending: make(map[string]chan jsonrpc.Message),
		stop:    make(chan struct{}),
	}
	go sess.route()
	return sess
}

// route subscribes to the child's stdout and delivers each message either
// to the pending requester awaiting that id, or to the server-events queue
// when no POST is waiting on it (spec.md §4.4 "Message correlation").
func (s *Session) route() {
	ch := s.Child.Subscribe()
	defer s.Child.Unsubscribe(ch)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				s.failPending()
				return
			}
			if msg.ID != nil {
				key := jsonrpc.IDKey(msg.ID)
				s.pendingMu.Lock()
				sink, found := s.pending[key]
				if found {
					delete(s.pending, key)
				}
				s.pendingMu.Unlock()
				if found {
					sink <- msg
					continue
				}
			}
			s.PushEvent(msg)
		case <-s.stop:
			return
		}
	}
}

func (s *Session) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for key, sink := range s.pending {
		delete(s.pending, key)
		sink <- jsonrpc.NewError(nil, jsonrpc.CodeTransportFail, "child exited before response")
	}
}

// Request sends msg to the child and blocks for the matching response (by
// id) or until timeout/ctx cancellation, returning a Timeout error kind on
// expiry (spec.md §4.4, §7).
func (s *Session) Request(ctx context.Context, msg jsonrpc.Message, timeout time.Duration) (jsonrpc.Message, error) {
	key := jsonrpc.IDKey(msg.ID)
	sink := make(chan jsonrpc.Message, 1)
	s.pendingMu.Lock()
	s.pending[key] = sink
	s.pendingMu.Unlock()

	if err := s.Child.Send(msg); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
		return jsonrpc.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-sink:
		return resp, nil
	case <-timer.C:
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
		return jsonrpc.Message{}, errs.New(errs.KindTimeout, "request timed out")
	case <-ctx.Done():
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
		return jsonrpc.Message{}, errs.Wrap(errs.KindCancelledByPeer, "request cancelled", ctx.Err())
	}
}

// PushEvent enqueues a server-initiated message for a GET long-poll
// subscriber to pick up.
func (s *Session) PushEvent(msg jsonrpc.Message) {
	s.mu.Lock()
	s.events = append(s.events, msg)
	s.mu.Unlock()
	select {
	case s.waitCh <- struct{}{}:
	default:
	}
}

// DrainEvents returns and clears all queued server-initiated events.
func (s *Session) DrainEvents() []jsonrpc.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

// WaitForEvent returns a channel that receives a signal after PushEvent
// queues an event; the channel is closed when the session is evicted for
// idleness.
func (s *Session) WaitForEvent() <-chan struct{} {
	return s.waitCh
}

type state int

const (
	stateActive state = iota
	stateTimeout
)

type entry struct {
	session *Session
	state   state
	count   int
	timer   *time.Timer
}

// Spawner creates a fresh child supervisor for a new session.
type Spawner func() (*child.Supervisor, error)

// Registry tracks live sessions keyed by id, evicting idle ones after
// timeout with a timer armed exactly when a session's access count drops
// to zero, mirroring the source's SessionAccessCounter state machine
// instead of a polling reaper.
type Registry struct {
	timeout time.Duration
	spawn   Spawner
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*entry

	newID func() string
}

// New builds a Registry. newID generates session ids (cmd/supergateway
// wires in a dash-stripped uuid). If timeout is zero, idle sessions are
// never evicted.
func New(timeout time.Duration, spawn Spawner, log zerolog.Logger, newID func() string) *Registry {
	return &Registry{
		timeout:  timeout,
		spawn:    spawn,
		log:      log,
		sessions: make(map[string]*entry),
		newID:    newID,
	}
}

// CreateSession spawns a fresh child and registers a new session for it,
// with an initial access count of 1 (the caller holds the access until it
// calls Dec once request handling completes).
func (r *Registry) CreateSession() (*Session, error) {
	c, err := r.spawn()
	if err != nil {
		return nil, err
	}
	id := r.newID()
	sess := newSession(id, c)

	r.mu.Lock()
	r.sessions[id] = &entry{session: sess, state: stateActive, count: 1}
	r.mu.Unlock()

	return sess, nil
}

// GetSession returns the session for id, or false if it doesn't exist.
func (r *Registry) GetSession(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Inc records a new in-flight access for session id, clearing any pending
// eviction timer.
func (r *Registry) Inc(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return
	}
	if e.state == stateTimeout {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.state = stateActive
		e.count = 1
		r.log.Info().Str("session", id).Msg("session access count 0 -> 1, cleared eviction timer")
		return
	}
	e.count++
	r.log.Info().Str("session", id).Int("count", e.count).Msg("session access count incremented")
}

// Dec releases an in-flight access for session id. When the count reaches
// zero, an eviction timer is armed; it fires Shutdown+removal after
// r.timeout unless another Inc cancels it first.
func (r *Registry) Dec(id string) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		r.log.Error().Str("session", id).Msg("dec() on non-existent session, ignoring")
		return
	}
	if e.state == stateTimeout {
		r.mu.Unlock()
		r.log.Error().Str("session", id).Msg("dec() on session already pending cleanup, ignoring")
		return
	}
	if e.count == 0 {
		r.mu.Unlock()
		r.log.Error().Str("session", id).Msg("invalid access count 0")
		return
	}
	e.count--
	if e.count > 0 {
		r.mu.Unlock()
		return
	}
	if r.timeout <= 0 {
		r.mu.Unlock()
		return
	}
	e.state = stateTimeout
	e.timer = time.AfterFunc(r.timeout, func() { r.evict(id) })
	r.mu.Unlock()
	r.log.Info().Str("session", id).Msg("session access count reached 0, eviction timer armed")
}

func (r *Registry) evict(id string) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok || e.state != stateTimeout {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	r.log.Info().Str("session", id).Msg("session timed out, shutting down child")
	e.session.Child.Shutdown(noopCtx())
	e.session.failPending()
	close(e.session.stop)
	close(e.session.waitCh)
}

// RemoveSession evicts id immediately (a DELETE request), returning false
// if it didn't exist.
func (r *Registry) RemoveSession(id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.session.Child.Shutdown(noopCtx())
	e.session.failPending()
	close(e.session.stop)
	return true
}

// RestartSession restarts the backing child for id with new extra args/env,
// leaving the session entry and its event queue in place.
func (r *Registry) RestartSession(id string, extraArgs []string, env map[string]string) bool {
	sess, ok := r.GetSession(id)
	if !ok {
		return false
	}
	if err := sess.Child.Restart(extraArgs, env); err != nil {
		r.log.Error().Err(err).Str("session", id).Msg("failed to restart session child")
		return false
	}
	return true
}

// RequestTimeout returns the bounded wait for a client POST's matching
// response: 30s, or half the idle timeout if that is smaller (spec.md
// §4.4).
func (r *Registry) RequestTimeout() time.Duration {
	const defaultTimeout = 30 * time.Second
	if r.timeout > 0 && r.timeout/2 < defaultTimeout {
		return r.timeout / 2
	}
	return defaultTimeout
}

// IDs returns every live session id.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ForEach runs fn for every live session's child, used by "restart all".
func (r *Registry) ForEach(fn func(id string, sess *Session)) {
	r.mu.Lock()
	snapshot := make(map[string]*Session, len(r.sessions))
	for id, e := range r.sessions {
		snapshot[id] = e.session
	}
	r.mu.Unlock()
	for id, sess := range snapshot {
		fn(id, sess)
	}
}
