package streamablehttp

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/supergateway/supergateway/internal/child"
	"github.com/supergateway/supergateway/internal/errs"
	"github.com/supergateway/supergateway/internal/jsonrpc"
	"github.com/supergateway/supergateway/internal/runtimeargs"
)

// StatelessConfig configures the stateless stdio→Streamable HTTP adapter.
type StatelessConfig struct {
	ChildSpec       child.Spec
	ProtocolVersion string
	BaseHeaders     map[string]string
	RequestTimeout  time.Duration
}

// StatelessHandler spawns a fresh child per POST (spec.md §4.5.3,
// supplemented from original_source's handle_stateless_request): no
// shared state survives one request.
type StatelessHandler struct {
	cfg     StatelessConfig
	runtime *runtimeargs.Store
	log     zerolog.Logger
}

// NewStateless builds a StatelessHandler.
func NewStateless(cfg StatelessConfig, runtime *runtimeargs.Store, log zerolog.Logger) *StatelessHandler {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &StatelessHandler{cfg: cfg, runtime: runtime, log: log}
}

// Routes mounts the POST handler, 405 stubs for GET/DELETE, and any
// health endpoints onto r (spec.md §4.5.3: "GET and DELETE respond 405").
func (h *StatelessHandler) Routes(r chi.Router, path string, healthEndpoints []string) {
	r.Post(path, h.handlePost)
	r.Get(path, h.methodNotAllowed)
	r.Delete(path, h.methodNotAllowed)
	for _, ep := range healthEndpoints {
		r.Get(ep, h.handleHealth)
	}
}

func (h *StatelessHandler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSONRPCError(w, http.StatusMethodNotAllowed, -32000, "Method not allowed.")
}

func (h *StatelessHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	applyHeaders(w, h.cfg.BaseHeaders, h.runtime, "")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *StatelessHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, -32700, "failed to read request body")
		return
	}
	messages, err := parseBody(body)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, -32700, "invalid JSON-RPC payload")
		return
	}

	var requestIDs []any
	for _, m := range messages {
		if m.IsRequest() {
			requestIDs = append(requestIDs, m.ID)
		}
	}

	c := child.New(h.cfg.ChildSpec, h.log, nil)
	effective := h.runtime.Effective("")
	if err := c.Spawn(effective.ExtraCLIArgs, effective.Env); err != nil {
		writeJSONRPCError(w, http.StatusInternalServerError, -32603, "failed to spawn child: "+err.Error())
		return
	}
	defer c.Shutdown(r.Context())

	if len(requestIDs) == 0 {
		for _, m := range messages {
			_ = c.Send(m)
		}
		applyHeaders(w, h.cfg.BaseHeaders, h.runtime, "")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	cr := newCorrelator(c)
	defer cr.stop()

	needsInit := !anyIsInitialize(messages)
	if needsInit {
		if err := cr.handshake(r.Context(), h.cfg.ProtocolVersion, h.cfg.RequestTimeout); err != nil {
			writeJSONRPCError(w, http.StatusInternalServerError, -32603, "auto-initialize failed: "+err.Error())
			return
		}
	}
	for _, m := range messages {
		if err := c.Send(m); err != nil {
			writeJSONRPCError(w, http.StatusBadGateway, -32603, "failed to send message to child")
			return
		}
	}

	applyHeaders(w, h.cfg.BaseHeaders, h.runtime, "")
	streamSSE(w, r.Context(), requestIDs, func(ctx context.Context, id any) (jsonrpc.Message, error) {
		return cr.await(ctx, id, h.cfg.RequestTimeout)
	}, h.log)
}

func anyIsInitialize(messages []jsonrpc.Message) bool {
	for _, m := range messages {
		if isInitializeRequest(m) {
			return true
		}
	}
	return false
}

// correlator demultiplexes a single ephemeral child's stdout by request
// id, for the duration of one stateless POST.
type correlator struct {
	c *child.Supervisor

	mu      sync.Mutex
	pending map[string]chan jsonrpc.Message

	sub  chan jsonrpc.Message
	done chan struct{}
}

func newCorrelator(c *child.Supervisor) *correlator {
	cr := &correlator{c: c, pending: make(map[string]chan jsonrpc.Message), sub: c.Subscribe(), done: make(chan struct{})}
	go cr.route()
	return cr
}

func (cr *correlator) route() {
	for {
		select {
		case msg, ok := <-cr.sub:
			if !ok {
				return
			}
			if msg.ID == nil {
				continue
			}
			key := jsonrpc.IDKey(msg.ID)
			cr.mu.Lock()
			sink, found := cr.pending[key]
			if found {
				delete(cr.pending, key)
			}
			cr.mu.Unlock()
			if found {
				sink <- msg
			}
		case <-cr.done:
			return
		}
	}
}

func (cr *correlator) stop() {
	close(cr.done)
	cr.c.Unsubscribe(cr.sub)
}

func (cr *correlator) await(ctx context.Context, id any, timeout time.Duration) (jsonrpc.Message, error) {
	key := jsonrpc.IDKey(id)
	sink := make(chan jsonrpc.Message, 1)
	cr.mu.Lock()
	cr.pending[key] = sink
	cr.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-sink:
		return msg, nil
	case <-timer.C:
		cr.mu.Lock()
		delete(cr.pending, key)
		cr.mu.Unlock()
		return jsonrpc.Message{}, errs.New(errs.KindTimeout, "request timed out")
	case <-ctx.Done():
		cr.mu.Lock()
		delete(cr.pending, key)
		cr.mu.Unlock()
		return jsonrpc.Message{}, errs.Wrap(errs.KindCancelledByPeer, "request cancelled", ctx.Err())
	}
}

// handshake auto-issues initialize + notifications/initialized to the
// child on the client's behalf, as spec.md §4.5.3 requires "before
// forwarding any other request" when the client's own payload contains no
// initialize request.
func (cr *correlator) handshake(ctx context.Context, protocolVersion string, timeout time.Duration) error {
	initMsg, initID := autoInitialize(protocolVersion)
	if err := cr.c.Send(initMsg); err != nil {
		return err
	}
	if _, err := cr.await(ctx, initID, timeout); err != nil {
		return err
	}
	return cr.c.Send(initializedNotification())
}
