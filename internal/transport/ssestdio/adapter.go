// Package ssestdio bridges a remote legacy-SSE MCP server onto the local
// process's stdio: requests read from stdin are POSTed to the server's
// announced endpoint, and responses/notifications arrive over the GET SSE
// stream and are written to stdout.
package ssestdio

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/supergateway/supergateway/internal/errs"
	"github.com/supergateway/supergateway/internal/jsonrpc"
	"github.com/supergateway/supergateway/internal/runtimeargs"
	"github.com/supergateway/supergateway/internal/transport/httpx"
)

// Config configures an outbound SSE→stdio bridge.
type Config struct {
	RemoteURL string
	Headers   map[string]string
}

// Adapter owns one outbound SSE connection and the local stdio loop. There
// is no per-request correlation on this leg (spec.md §4.5.5): every SSE
// "message" event is written straight to stdout, and every stdin line is
// POSTed to the announced endpoint independently of it.
type Adapter struct {
	cfg     Config
	runtime *runtimeargs.Store
	log     zerolog.Logger
	client  *http.Client

	mu       sync.Mutex
	endpoint string
}

// New builds an Adapter. bearer, if non-empty, authorizes both the POST and
// GET legs via an oauth2 bearer token.
func New(cfg Config, runtime *runtimeargs.Store, bearer string, log zerolog.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		runtime: runtime,
		log:     log,
		client:  httpx.NewClient(bearer),
	}
}

// Run connects to the remote server and returns once the first connection
// is established, leaving a goroutine that calls write with every inbound
// SSE message (reconnecting with backoff when the stream closes) until ctx
// is cancelled. Run does not read stdin; stdin lines go upstream through
// Forward.
func (a *Adapter) Run(ctx context.Context, write func(jsonrpc.Message) error) error {
	stream, err := a.connect(ctx)
	if err != nil {
		return err
	}
	go a.pumpInbound(ctx, stream, write)
	return nil
}

func (a *Adapter) connect(ctx context.Context) (*httpx.SSEStream, error) {
	headers := mergedHeaders(a.cfg.Headers, a.runtime.Effective(""))
	stream, err := httpx.ConnectSSE(ctx, a.client, a.cfg.RemoteURL, headers, a.log)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.endpoint = stream.Endpoint
	a.mu.Unlock()
	a.log.Info().Str("endpoint", stream.Endpoint).Msg("connected to SSE server")
	return stream, nil
}

func (a *Adapter) pumpInbound(ctx context.Context, stream *httpx.SSEStream, write func(jsonrpc.Message) error) {
	for {
		msg, ok := <-stream.Messages
		if !ok {
			a.log.Info().Msg("SSE stream closed, reconnecting")
			if !a.reconnectWithBackoff(ctx) {
				return
			}
			newStream, err := a.connect(ctx)
			if err != nil {
				return
			}
			stream = newStream
			continue
		}
		_ = write(msg)
	}
}

func (a *Adapter) reconnectWithBackoff(ctx context.Context) bool {
	backoff := 500 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return false
		}
		if _, err := a.connect(ctx); err == nil {
			return true
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// Forward sends a single message read from local stdin to the remote
// server's announced endpoint; its response, if any, arrives separately
// over the SSE stream and is handled by pumpInbound.
func (a *Adapter) Forward(ctx context.Context, msg jsonrpc.Message) error {
	a.mu.Lock()
	endpoint := a.endpoint
	a.mu.Unlock()
	if endpoint == "" {
		return errs.New(errs.KindUpstream, "no SSE endpoint established yet")
	}

	headers := mergedHeaders(a.cfg.Headers, a.runtime.Effective(""))
	if _, err := httpx.Post(ctx, a.client, endpoint, headers, msg); err != nil {
		return err
	}
	return nil
}

func mergedHeaders(base map[string]string, overlay runtimeargs.Args) map[string]string {
	return runtimeargs.FoldHeaders(base, overlay.Headers)
}
