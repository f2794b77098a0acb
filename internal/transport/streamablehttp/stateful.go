package streamablehttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/supergateway/supergateway/internal/jsonrpc"
	"github.com/supergateway/supergateway/internal/runtimeargs"
	"github.com/supergateway/supergateway/internal/session"
)

// StatefulConfig configures the stateful stdio→Streamable HTTP adapter.
type StatefulConfig struct {
	BaseHeaders map[string]string
}

// StatefulHandler binds Streamable HTTP POST/GET/DELETE to the session
// registry (spec.md §4.4, §4.5.4): each session owns a dedicated child and
// its own pending/event-queue state.
type StatefulHandler struct {
	cfg      StatefulConfig
	registry *session.Registry
	runtime  *runtimeargs.Store
	log      zerolog.Logger
}

// NewStateful builds a StatefulHandler over registry.
func NewStateful(cfg StatefulConfig, registry *session.Registry, runtime *runtimeargs.Store, log zerolog.Logger) *StatefulHandler {
	return &StatefulHandler{cfg: cfg, registry: registry, runtime: runtime, log: log}
}

const sessionHeader = "Mcp-Session-Id"

// Routes mounts POST/GET/DELETE and health endpoints onto r.
func (h *StatefulHandler) Routes(r chi.Router, path string, healthEndpoints []string) {
	r.Post(path, h.handlePost)
	r.Get(path, h.handleGet)
	r.Delete(path, h.handleDelete)
	for _, ep := range healthEndpoints {
		r.Get(ep, h.handleHealth)
	}
}

func (h *StatefulHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	applyHeaders(w, h.cfg.BaseHeaders, h.runtime, "")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *StatefulHandler) handlePost(w http.ResponseWriter, r *http.Request) {
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

	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		h.handleNewSession(w, r, messages)
		return
	}

	sess, ok := h.registry.GetSession(sessionID)
	if !ok {
		writeJSONRPCError(w, http.StatusNotFound, -32001, "unknown session")
		return
	}
	h.registry.Inc(sessionID)
	defer h.registry.Dec(sessionID)

	h.respondFor(w, r, sess, sessionID, messages)
}

// handleNewSession implements spec.md §4.4's session-creation path: "POST
// without Mcp-Session-Id is accepted only if it is an initialize request".
func (h *StatefulHandler) handleNewSession(w http.ResponseWriter, r *http.Request, messages []jsonrpc.Message) {
	if len(messages) == 0 || !isInitializeRequest(messages[0]) {
		writeJSONRPCError(w, http.StatusBadRequest, -32600, "first request on a new connection must be initialize")
		return
	}

	sess, err := h.registry.CreateSession()
	if err != nil {
		writeJSONRPCError(w, http.StatusInternalServerError, -32603, "failed to create session: "+err.Error())
		return
	}
	defer h.registry.Dec(sess.ID)

	applyHeaders(w, h.cfg.BaseHeaders, h.runtime, sess.ID)
	w.Header().Set(sessionHeader, sess.ID)
	h.respondFor(w, r, sess, sess.ID, messages)
}

// respondFor sends every message in messages to sess's child and replies
// per spec.md §4.5.4 ("behaves as stateless on that session's child"): 202
// for a pure-notification payload, else an SSE stream of one response per
// request id.
func (h *StatefulHandler) respondFor(w http.ResponseWriter, r *http.Request, sess *session.Session, sessionID string, messages []jsonrpc.Message) {
	var requestIDs []any
	for _, m := range messages {
		if m.IsRequest() {
			requestIDs = append(requestIDs, m.ID)
		}
	}

	if len(requestIDs) == 0 {
		for _, m := range messages {
			if err := sess.Child.Send(m); err != nil {
				writeJSONRPCError(w, http.StatusBadGateway, -32603, "failed to send message to child")
				return
			}
		}
		applyHeaders(w, h.cfg.BaseHeaders, h.runtime, sessionID)
		w.Header().Set(sessionHeader, sessionID)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	byID := make(map[string]jsonrpc.Message, len(messages))
	for _, m := range messages {
		if m.IsRequest() {
			byID[jsonrpc.IDKey(m.ID)] = m
		}
	}
	timeout := h.registry.RequestTimeout()

	applyHeaders(w, h.cfg.BaseHeaders, h.runtime, sessionID)
	w.Header().Set(sessionHeader, sessionID)
	streamSSE(w, r.Context(), requestIDs, func(ctx context.Context, id any) (jsonrpc.Message, error) {
		return sess.Request(ctx, byID[jsonrpc.IDKey(id)], timeout)
	}, h.log)
}

// handleGet opens a long-lived SSE stream serving server-initiated events
// for the session, releasing its lease on disconnect (spec.md §4.5.4).
func (h *StatefulHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		writeJSONRPCError(w, http.StatusBadRequest, -32600, "missing Mcp-Session-Id header")
		return
	}
	sess, ok := h.registry.GetSession(sessionID)
	if !ok {
		writeJSONRPCError(w, http.StatusNotFound, -32001, "unknown session")
		return
	}
	h.registry.Inc(sessionID)
	defer h.registry.Dec(sessionID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	applyHeaders(w, h.cfg.BaseHeaders, h.runtime, sessionID)
	w.Header().Set(sessionHeader, sessionID)
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for {
		for _, ev := range sess.DrainEvents() {
			writeSSEMessage(w, ev)
		}
		flusher.Flush()
		select {
		case _, ok := <-sess.WaitForEvent():
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeSSEMessage(w http.ResponseWriter, msg jsonrpc.Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: message\ndata: "))
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n\n"))
}

// handleDelete terminates the session immediately (spec.md §4.5.4).
func (h *StatefulHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		writeJSONRPCError(w, http.StatusBadRequest, -32600, "missing Mcp-Session-Id header")
		return
	}
	if !h.registry.RemoveSession(sessionID) {
		writeJSONRPCError(w, http.StatusNotFound, -32001, "unknown session")
		return
	}
	applyHeaders(w, h.cfg.BaseHeaders, h.runtime, "")
	w.WriteHeader(http.StatusOK)
}
