// Package httpx holds HTTP client helpers shared by the outbound transport
// adapters (SSE→stdio, StreamableHTTP→stdio): building a bearer-authorized
// client and posting a single JSON-RPC message with a best-effort variant
// for fire-and-forget notifications.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/supergateway/supergateway/internal/errs"
	"github.com/supergateway/supergateway/internal/jsonrpc"
)

// NewClient builds an http.Client with a cookie jar (legacy SSE servers use
// session cookies) and, when bearer is non-empty, an oauth2 static-token
// transport layered underneath it.
func NewClient(bearer string) *http.Client {
	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}
	if bearer == "" {
		return client
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: bearer, TokenType: "Bearer"})
	authed := oauth2.NewClient(context.Background(), src)
	authed.Jar = jar
	return authed
}

// PostResult is the outcome of posting a message to an HTTP MCP endpoint.
type PostResult struct {
	Message   jsonrpc.Message
	HasBody   bool
	SessionID string
}

// Post sends msg as a JSON body to endpoint, applying headers, and decodes
// a JSON response body when present. An event-stream or empty body is not
// an error: the response arrives asynchronously over the companion
// SSE/GET channel instead.
func Post(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, msg jsonrpc.Message) (PostResult, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return PostResult{}, errs.Wrap(errs.KindTransportProtocol, "marshal outbound message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return PostResult{}, errs.Wrap(errs.KindUpstream, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return PostResult{}, errs.Wrap(errs.KindUpstream, "post message", err)
	}
	defer resp.Body.Close()

	sessionID := resp.Header.Get("Mcp-Session-Id")
	if resp.StatusCode/100 != 2 {
		b, _ := readLimited(resp.Body, 1<<20)
		return PostResult{}, errs.New(errs.KindUpstream, fmt.Sprintf("status=%d body=%s", resp.StatusCode, string(b)))
	}

	contentType := resp.Header.Get("Content-Type")
	raw, err := readLimited(resp.Body, 4<<20)
	if err != nil {
		return PostResult{}, errs.Wrap(errs.KindUpstream, "read response body", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || strings.Contains(strings.ToLower(contentType), "text/event-stream") {
		return PostResult{SessionID: sessionID}, nil
	}

	var out jsonrpc.Message
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return PostResult{}, errs.Wrap(errs.KindUpstream, "decode response body", err)
	}
	return PostResult{Message: out, HasBody: true, SessionID: sessionID}, nil
}

// BestEffortPost posts msg with a short timeout and swallows errors,
// invoking onErr (if non-nil) for logging instead of propagating the
// failure to the caller — used for notifications that have no response.
func BestEffortPost(parent context.Context, client *http.Client, endpoint string, headers map[string]string, msg jsonrpc.Message, onErr func(error)) {
	ctx, cancel := context.WithTimeout(parent, 5*time.Second)
	defer cancel()
	if _, err := Post(ctx, client, endpoint, headers, msg); err != nil && onErr != nil {
		onErr(err)
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: limit + 1}
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return b[:limit], fmt.Errorf("response too large (limit %d bytes)", limit)
	}
	return b, nil
}
