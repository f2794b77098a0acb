// Package stdiosse implements the stdio→SSE bridging mode of spec.md
// §4.5.1: a GET endpoint streaming an "endpoint" event followed by every
// child stdout message as "event: message", and a POST endpoint
// forwarding a JSON-RPC message to the child on behalf of one such
// connection.
package stdiosse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/supergateway/supergateway/internal/child"
	"github.com/supergateway/supergateway/internal/jsonrpc"
	"github.com/supergateway/supergateway/internal/runtimeargs"
)

// Config configures a stdio→SSE adapter.
type Config struct {
	BaseURL     string // optional; if empty, the endpoint event carries a relative path
	SSEPath     string
	MessagePath string
}

// Adapter owns the live SSE connections and dispatches POSTed messages to
// the shared child.
type Adapter struct {
	cfg     Config
	child   *child.Supervisor
	runtime *runtimeargs.Store
	log     zerolog.Logger

	mu    sync.Mutex
	conns map[string]chan []byte
}

// New builds an Adapter bridging c's stdout/stdin to HTTP SSE.
func New(cfg Config, c *child.Supervisor, runtime *runtimeargs.Store, log zerolog.Logger) *Adapter {
	return &Adapter{cfg: cfg, child: c, runtime: runtime, log: log, conns: make(map[string]chan []byte)}
}

// Routes mounts the GET SSE and POST message endpoints, plus any
// additional health endpoints, onto r.
func (a *Adapter) Routes(r chi.Router, healthEndpoints []string) {
	r.Get(a.cfg.SSEPath, a.handleSSE)
	r.Post(a.cfg.MessagePath, a.handleMessage)
	for _, ep := range healthEndpoints {
		r.Get(ep, a.handleHealth)
	}
}

// Run starts the goroutine broadcasting child stdout to every open SSE
// connection; it runs until ctx-independent Shutdown via the child's own
// lifecycle (the adapter has no separate stop signal: process shutdown
// tears down the child, which closes this channel).
func (a *Adapter) Run() {
	ch := a.child.Subscribe()
	go func() {
		for msg := range ch {
			a.broadcast(msg)
		}
	}()
}

func (a *Adapter) broadcast(msg jsonrpc.Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.conns {
		select {
		case ch <- b:
		default:
			a.log.Info().Msg("SSE subscriber channel full, dropping message")
		}
	}
}

func (a *Adapter) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	connID := uuid.New().String()
	ch := make(chan []byte, 64)
	a.mu.Lock()
	a.conns[connID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.conns, connID)
		a.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	a.applyHeaders(w)
	w.WriteHeader(http.StatusOK)

	endpoint := a.cfg.MessagePath + "?sessionId=" + connID
	if a.cfg.BaseURL != "" {
		endpoint = a.cfg.BaseURL + endpoint
	}
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", b)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) handleMessage(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("sessionId")
	if connID == "" {
		http.Error(w, "missing sessionId query parameter", http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	_, open := a.conns[connID]
	a.mu.Unlock()
	if !open {
		http.Error(w, "no active SSE connection for sessionId "+connID, http.StatusServiceUnavailable)
		return
	}

	var msg jsonrpc.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid JSON-RPC body", http.StatusBadRequest)
		return
	}
	if err := a.child.Send(msg); err != nil {
		http.Error(w, "failed to write to child", http.StatusBadGateway)
		return
	}

	a.applyHeaders(w)
	w.WriteHeader(http.StatusAccepted)
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !a.child.IsAlive() {
		http.Error(w, "not ready", http.StatusInternalServerError)
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
