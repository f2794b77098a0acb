// Package streamablehttp implements the stdio→Streamable HTTP bridging
// mode of spec.md §4.5.3 (stateless) and §4.5.4 (stateful): a single POST
// endpoint accepting one or a batch of JSON-RPC messages, responding
// either with a 202 and no body for a payload without requests, or an SSE
// stream of one "event: message" per resolved request id. Errors are
// answered with a JSON-RPC error object as a plain JSON body.
package streamablehttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/supergateway/supergateway/internal/jsonrpc"
	"github.com/supergateway/supergateway/internal/runtimeargs"
)

// parseBody decodes a POST body as either a single Message or a batch,
// mirroring internal/jsonrpc's framing rules at the HTTP boundary instead
// of the line-delimited one.
func parseBody(body []byte) (messages []jsonrpc.Message, err error) {
	trimmed := trimLeadingSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch jsonrpc.Batch
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}
	var msg jsonrpc.Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, err
	}
	return []jsonrpc.Message{msg}, nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}

func isInitializeRequest(msg jsonrpc.Message) bool {
	return msg.Method == "initialize"
}

// autoInitialize builds the initialize request supergateway issues on a
// stateless child's behalf when the client's payload contains no
// initialize request (spec.md §4.5.3; grounded on
// original_source/rust/src/gateways/stdio_to_streamable_http.rs's
// create_initialize_request/create_initialized_notification).
func autoInitialize(protocolVersion string) (jsonrpc.Message, string) {
	id := "auto-init-" + uuid.New().String()
	params, _ := json.Marshal(map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"roots":    map[string]any{"listChanged": true},
			"sampling": map[string]any{},
		},
		"clientInfo": map[string]any{"name": "supergateway", "version": "1.0.0"},
	})
	return jsonrpc.Message{JSONRPC: "2.0", ID: id, Method: "initialize", Params: params}, id
}

func initializedNotification() jsonrpc.Message {
	return jsonrpc.Message{JSONRPC: "2.0", Method: "notifications/initialized"}
}

func writeJSONRPCError(w http.ResponseWriter, status int, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewError(nil, code, message))
}

func applyHeaders(w http.ResponseWriter, base map[string]string, store *runtimeargs.Store, sessionID string) {
	overlay := store.Effective(sessionID)
	for k, v := range base {
		w.Header().Set(k, v)
	}
	for k, v := range overlay.Headers {
		w.Header().Set(k, v)
	}
}

// pendingResult pairs a resolved request id with its response or error.
type pendingResult struct {
	msg jsonrpc.Message
	err error
}

// streamSSE runs requestFn concurrently for each id in ids and streams
// each resolved response as an "event: message" SSE frame as soon as it
// arrives, closing the stream once every id has resolved (spec.md §4.5.3
// "stream back the matching response(s) ... until all request ids
// resolve; then close").
func streamSSE(w http.ResponseWriter, ctx context.Context, ids []any, requestFn func(context.Context, any) (jsonrpc.Message, error), log zerolog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	results := make(chan pendingResult, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id any) {
			defer wg.Done()
			msg, err := requestFn(ctx, id)
			results <- pendingResult{msg: msg, err: err}
		}(id)
	}
	go func() { wg.Wait(); close(results) }()

	for res := range results {
		if res.err != nil {
			log.Info().Err(res.err).Msg("streamable HTTP request failed")
			continue
		}
		b, err := json.Marshal(res.msg)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", b)
		flusher.Flush()
	}
}
