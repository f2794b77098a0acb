// Package stdiows implements the stdio→WebSocket bridging mode of
// spec.md §4.5.2: every inbound text frame forwards to the child; every
// child stdout message broadcasts to all connected clients, with client
// requests correlated by prefixing their id with "<clientId>:" so a
// multi-client deployment routes each response back to its originator
// (grounded on original_source/rust/src/gateways/stdio_to_ws.rs).
package stdiows

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/supergateway/supergateway/internal/child"
	"github.com/supergateway/supergateway/internal/jsonrpc"
	"github.com/supergateway/supergateway/internal/runtimeargs"
)

// Config configures a stdio→WS adapter.
type Config struct {
	MessagePath string
	// ReadinessGrace is how long to wait for the first child stdout line
	// before treating the adapter as ready anyway (spec.md §4.5.2).
	ReadinessGrace time.Duration
}

// Adapter owns the set of connected WebSocket clients and dispatches
// between them and the shared child.
type Adapter struct {
	cfg     Config
	child   *child.Supervisor
	runtime *runtimeargs.Store
	log     zerolog.Logger

	mu      sync.Mutex
	clients map[string]chan jsonrpc.Message

	readyOnce sync.Once
	ready     chan struct{}
}

// New builds an Adapter bridging c's stdin/stdout to WebSocket clients.
func New(cfg Config, c *child.Supervisor, runtime *runtimeargs.Store, log zerolog.Logger) *Adapter {
	if cfg.ReadinessGrace == 0 {
		cfg.ReadinessGrace = 2 * time.Second
	}
	return &Adapter{
		cfg:     cfg,
		child:   c,
		runtime: runtime,
		log:     log,
		clients: make(map[string]chan jsonrpc.Message),
		ready:   make(chan struct{}),
	}
}

// Routes mounts the WS upgrade endpoint and health endpoints onto r.
func (a *Adapter) Routes(r chi.Router, healthEndpoints []string) {
	r.Get(a.cfg.MessagePath, a.handleUpgrade)
	for _, ep := range healthEndpoints {
		r.Get(ep, a.handleHealth)
	}
}

// Run starts the broadcast-and-correlate pump from child stdout to
// clients, which marks the adapter ready on the first child message, and
// arms the readiness grace timer.
func (a *Adapter) Run() {
	ch := a.child.Subscribe()
	go func() {
		for msg := range ch {
			a.markReady()
			a.route(msg)
		}
	}()
	time.AfterFunc(a.cfg.ReadinessGrace, a.markReady)
}

func (a *Adapter) markReady() {
	a.readyOnce.Do(func() { close(a.ready) })
}

func (a *Adapter) route(msg jsonrpc.Message) {
	clientID, stripped, ok := stripClientPrefix(msg.ID)
	if ok {
		msg.ID = stripped
		a.mu.Lock()
		ch := a.clients[clientID]
		a.mu.Unlock()
		if ch != nil {
			select {
			case ch <- msg:
			default:
			}
			return
		}
	}
	a.mu.Lock()
	targets := make([]chan jsonrpc.Message, 0, len(a.clients))
	for _, ch := range a.clients {
		targets = append(targets, ch)
	}
	a.mu.Unlock()
	for _, ch := range targets {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (a *Adapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.log.Info().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	clientID := uuid.New().String()
	out := make(chan jsonrpc.Message, 64)

	a.mu.Lock()
	a.clients[clientID] = out
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.clients, clientID)
		a.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}()

	ctx := r.Context()
	done := make(chan struct{})
	go a.readLoop(ctx, conn, clientID, done)
	a.markReady()

	for {
		select {
		case msg, ok := <-out:
			if !ok {
				return
			}
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, clientID string, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg jsonrpc.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			a.log.Info().Err(err).Msg("discarding unparseable WebSocket frame")
			continue
		}
		if msg.ID != nil {
			msg.ID = prefixClientID(clientID, msg.ID)
		}
		if err := a.child.Send(msg); err != nil {
			a.log.Info().Err(err).Msg("failed to forward WebSocket message to child")
		}
	}
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	select {
	case <-a.ready:
	default:
		http.Error(w, "not ready", http.StatusInternalServerError)
		return
	}
	if !a.child.IsAlive() {
		http.Error(w, "child not alive", http.StatusInternalServerError)
		return
	}
	a.applyHeaders(w)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *Adapter) applyHeaders(w http.ResponseWriter) {
	overlay := a.runtime.Effective("")
	for k, v := range overlay.Headers {
		w.Header().Set(k, v)
	}
}

func prefixClientID(clientID string, id any) string {
	switch v := id.(type) {
	case string:
		return clientID + ":" + v
	case float64:
		return clientID + ":" + strconv.FormatInt(int64(v), 10)
	default:
		b, _ := json.Marshal(v)
		return clientID + ":" + string(b)
	}
}

// stripClientPrefix parses a "<clientId>:<rawId>" string id back into its
// client id and original id, restoring a numeric raw id to float64 to
// match what encoding/json would have produced from the wire. ok is false
// for ids with no recognized client prefix (e.g. unsolicited
// notifications), which the caller then broadcasts instead of routing.
func stripClientPrefix(id any) (clientID string, rawID any, ok bool) {
	s, isString := id.(string)
	if !isString {
		return "", nil, false
	}
	client, raw, found := strings.Cut(s, ":")
	if !found {
		return "", nil, false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return client, float64(n), true
	}
	return client, raw, true
}
