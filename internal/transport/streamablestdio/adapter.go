// Package streamablestdio implements the Streamable HTTP→stdio bridging
// mode of spec.md §4.5.6: local stdin lines POST to a remote Streamable
// HTTP MCP server, and whatever it answers with — a plain JSON body or an
// SSE stream of "message" events — is re-emitted as stdout lines, grounded
// on original_source/rust/src/gateways/streamable_http_to_stdio.rs.
package streamablestdio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/supergateway/supergateway/internal/errs"
	"github.com/supergateway/supergateway/internal/jsonrpc"
	"github.com/supergateway/supergateway/internal/runtimeargs"
	"github.com/supergateway/supergateway/internal/transport/httpx"
)

// Config configures a Streamable HTTP→stdio adapter.
type Config struct {
	RemoteURL string
	Headers   map[string]string
	Bearer    string
}

// Adapter forwards local stdin JSON-RPC lines to a remote Streamable HTTP
// endpoint and re-emits the responses on stdout, tracking the
// server-assigned Mcp-Session-Id across requests.
type Adapter struct {
	cfg     Config
	runtime *runtimeargs.Store
	log     zerolog.Logger
	client  *http.Client

	mu        sync.Mutex
	sessionID string
}

// New builds an Adapter posting to cfg.RemoteURL. cfg.Bearer, if non-empty,
// authorizes every request via an oauth2 bearer token, same as ssestdio.
func New(cfg Config, runtime *runtimeargs.Store, log zerolog.Logger) *Adapter {
	return &Adapter{cfg: cfg, runtime: runtime, log: log, client: httpx.NewClient(cfg.Bearer)}
}

// Forward sends msg to the remote endpoint and invokes write once per
// response message it produces: a single call for a plain JSON body, or
// one call per SSE "message" event for a streamed response.
func (a *Adapter) Forward(ctx context.Context, msg jsonrpc.Message, write func(jsonrpc.Message)) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errs.Wrap(errs.KindTransportProtocol, "marshal outbound message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.RemoteURL, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.KindUpstream, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range a.mergedHeaders() {
		req.Header.Set(k, v)
	}
	if sid := a.currentSession(); sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindUpstream, "post message", err)
	}

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		a.setSession(sid)
	}

	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return errs.New(errs.KindUpstream, fmt.Sprintf("remote Streamable HTTP request failed with status %d", resp.StatusCode))
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(strings.ToLower(contentType), "text/event-stream") {
		for m := range httpx.StreamMessages(resp.Body, a.log) {
			write(m)
		}
		return nil
	}
	defer resp.Body.Close()

	var out jsonrpc.Message
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return errs.Wrap(errs.KindUpstream, "decode response body", err)
	}
	write(out)
	return nil
}

// Close sends a final DELETE to the remote endpoint, echoing the captured
// session id, to terminate the session cleanly at shutdown (spec.md
// §4.5.6).
func (a *Adapter) Close(ctx context.Context) {
	sid := a.currentSession()
	if sid == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.cfg.RemoteURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Mcp-Session-Id", sid)
	for k, v := range a.mergedHeaders() {
		req.Header.Set(k, v)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Info().Err(err).Msg("failed to DELETE remote Streamable HTTP session at shutdown")
		return
	}
	_ = resp.Body.Close()
}

func (a *Adapter) currentSession() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

func (a *Adapter) setSession(sid string) {
	a.mu.Lock()
	a.sessionID = sid
	a.mu.Unlock()
}

func (a *Adapter) mergedHeaders() map[string]string {
	overlay := a.runtime.Effective("")
	return runtimeargs.FoldHeaders(a.cfg.Headers, overlay.Headers)
}
