package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/supergateway/supergateway/internal/errs"
	"github.com/supergateway/supergateway/internal/jsonrpc"
)

// SSEStream is a live legacy-SSE connection: Endpoint is the per-connection
// POST URL announced by the server's "endpoint" event, Messages carries
// every decoded "message" event, and the stream is closed (both by the
// server and by cancelling the context passed to ConnectSSE) by closing
// Messages.
type SSEStream struct {
	Base     string
	Endpoint string
	Messages <-chan jsonrpc.Message
}

// ConnectSSE opens a GET SSE connection to remote and waits for the
// server's initial "endpoint" event, matching the legacy MCP SSE
// handshake (an "endpoint" event before any "message" events).
func ConnectSSE(ctx context.Context, client *http.Client, remote string, headers map[string]string, log zerolog.Logger) (*SSEStream, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "parse SSE URL", err)
	}
	base := fmt.Sprintf("%s://%s", u.Scheme, u.Host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "build SSE request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "connect SSE", err)
	}
	if resp.StatusCode/100 != 2 {
		b, _ := readLimited(resp.Body, 4096)
		resp.Body.Close()
		return nil, errs.New(errs.KindUpstream, fmt.Sprintf("SSE status=%d body=%s", resp.StatusCode, string(b)))
	}

	msgCh := make(chan jsonrpc.Message, 64)
	endpointCh := make(chan string, 1)

	go pumpSSE(resp.Body, base, msgCh, endpointCh, log)

	select {
	case ep := <-endpointCh:
		if ep == "" {
			return nil, errs.New(errs.KindUpstream, "SSE server sent empty endpoint")
		}
		return &SSEStream{Base: base, Endpoint: ep, Messages: msgCh}, nil
	case <-time.After(10 * time.Second):
		resp.Body.Close()
		return nil, errs.New(errs.KindTimeout, "timed out waiting for SSE endpoint event")
	case <-ctx.Done():
		resp.Body.Close()
		return nil, errs.Wrap(errs.KindCancelledByPeer, "SSE connect cancelled", ctx.Err())
	}
}

// StreamMessages parses body as a bare SSE stream of "message" events (no
// "endpoint" handshake), for a Streamable HTTP POST response whose
// Content-Type is text/event-stream. The returned channel closes when body
// is exhausted or closed.
func StreamMessages(body io.ReadCloser, log zerolog.Logger) <-chan jsonrpc.Message {
	msgCh := make(chan jsonrpc.Message, 16)
	go pumpSSE(body, "", msgCh, make(chan string, 1), log)
	return msgCh
}

func pumpSSE(body io.ReadCloser, base string, msgCh chan jsonrpc.Message, endpointCh chan string, log zerolog.Logger) {
	defer close(msgCh)
	defer body.Close()

	reader := bufio.NewReader(body)
	var eventName string
	var dataLines []string

	flush := func() {
		if len(dataLines) == 0 && eventName == "" {
			return
		}
		data := strings.Join(dataLines, "\n")
		defer func() { eventName, dataLines = "", nil }()

		if eventName == "endpoint" {
			ep := strings.TrimSpace(data)
			if strings.HasPrefix(ep, "/") {
				ep = base + ep
			}
			select {
			case endpointCh <- ep:
			default:
			}
			return
		}
		if eventName == "message" || eventName == "" {
			var m jsonrpc.Message
			if err := json.Unmarshal([]byte(data), &m); err == nil {
				msgCh <- m
			}
		}
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Info().Err(err).Msg("SSE stream read error")
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}
