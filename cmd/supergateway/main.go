// Command supergateway bridges an MCP stdio server onto an HTTP-facing
// transport (or vice versa), per spec.md §1-§6: it parses CLI flags, wires
// the child supervisor/session registry/runtime override store appropriate
// to the selected mode, and serves until SIGINT/SIGTERM triggers a graceful
// shutdown.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/supergateway/supergateway/internal/admin"
	"github.com/supergateway/supergateway/internal/child"
	"github.com/supergateway/supergateway/internal/config"
	"github.com/supergateway/supergateway/internal/cors"
	"github.com/supergateway/supergateway/internal/errs"
	"github.com/supergateway/supergateway/internal/jsonrpc"
	"github.com/supergateway/supergateway/internal/runtimeargs"
	"github.com/supergateway/supergateway/internal/session"
	"github.com/supergateway/supergateway/internal/transport/ssestdio"
	"github.com/supergateway/supergateway/internal/transport/stdiosse"
	"github.com/supergateway/supergateway/internal/transport/stdiows"
	"github.com/supergateway/supergateway/internal/transport/streamablehttp"
	"github.com/supergateway/supergateway/internal/transport/streamablestdio"
)

// shutdownGrace bounds how long the process waits, after signalling
// adapters to stop, before tearing down regardless (spec.md §5).
const shutdownGrace = 5 * time.Second

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "supergateway:", err)
		os.Exit(1)
	}

	log := buildLogger(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime := runtimeargs.New(runtimeargs.Args{Headers: cfg.Headers})

	if err := run(ctx, cfg, runtime, log); err != nil {
		log.Error().Err(err).Msg("fatal error")
		os.Exit(exitCodeFor(err))
	}
}

// buildLogger picks stdout vs stderr per spec.md §4.A: when the local side
// speaks raw MCP stdio, logs must never interleave with JSON-RPC framing on
// stdout, so they go to stderr instead (grounded on
// original_source/rust/src/support/logger.rs).
func buildLogger(cfg config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.LogLevel {
	case config.LogDebug:
		level = zerolog.DebugLevel
	case config.LogNone:
		level = zerolog.Disabled
	}

	writer := os.Stdout
	if cfg.OutputTransport == config.OutputStdio {
		writer = os.Stderr
	}
	console := zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	return zerolog.New(console).Level(level).With().Timestamp().Logger()
}

func exitCodeFor(err error) int {
	if errs.Is(err, errs.KindChildSpawnFailed) {
		return 2
	}
	return 1
}

func run(ctx context.Context, cfg config.Config, runtime *runtimeargs.Store, log zerolog.Logger) error {
	switch {
	case cfg.Stdio != "":
		return runStdioOutbound(ctx, cfg, runtime, log)
	case cfg.SSE != "":
		return runSSEInbound(ctx, cfg, runtime, log)
	case cfg.StreamableHTTP != "":
		return runStreamableHTTPInbound(ctx, cfg, runtime, log)
	default:
		return errs.New(errs.KindConfig, "no input transport selected")
	}
}

func childSpecFor(cfg config.Config) child.Spec {
	parts := strings.Fields(cfg.Stdio)
	if len(parts) == 0 {
		return child.Spec{}
	}
	return child.Spec{Program: parts[0], Args: parts[1:]}
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// runStdioOutbound covers the four stdio→{SSE,WS,StreamableHTTP
// stateless,StreamableHTTP stateful} modes: the local MCP server is bridged
// onto the selected HTTP-facing transport (spec.md §4.5.1-§4.5.4).
func runStdioOutbound(ctx context.Context, cfg config.Config, runtime *runtimeargs.Store, log zerolog.Logger) error {
	spec := childSpecFor(cfg)

	r := chi.NewRouter()
	if mw := cors.Build(cfg.CORS); mw != nil {
		r.Use(mw)
	}

	var registry *session.Registry
	var sharedChild *child.Supervisor

	restart := func(sessionID string) error {
		if sessionID == "" {
			if sharedChild != nil {
				defaults := runtime.Defaults()
				return sharedChild.Restart(defaults.ExtraCLIArgs, defaults.Env)
			}
			if registry != nil {
				var firstErr error
				registry.ForEach(func(id string, sess *session.Session) {
					effective := runtime.Effective(id)
					if err := sess.Child.Restart(effective.ExtraCLIArgs, effective.Env); err != nil && firstErr == nil {
						firstErr = err
					}
				})
				return firstErr
			}
			return nil
		}
		if registry == nil {
			return errs.New(errs.KindConfig, "per-session restart is only supported in stateful mode")
		}
		effective := runtime.Effective(sessionID)
		if !registry.RestartSession(sessionID, effective.ExtraCLIArgs, effective.Env) {
			return errs.New(errs.KindConfig, "unknown session")
		}
		return nil
	}

	isSession := func(id string) bool {
		if registry == nil {
			return false
		}
		_, ok := registry.GetSession(id)
		return ok
	}

	switch {
	case cfg.OutputTransport == config.OutputStreamableHTTP && cfg.Stateful:
		spawner := func() (*child.Supervisor, error) {
			c := child.New(spec, log, stderrSink(log))
			defaults := runtime.Defaults()
			if err := c.Spawn(defaults.ExtraCLIArgs, defaults.Env); err != nil {
				return nil, errs.Wrap(errs.KindChildSpawnFailed, "spawn session child", err)
			}
			return c, nil
		}
		registry = session.New(time.Duration(cfg.SessionTimeoutMS)*time.Millisecond, spawner, log, newSessionID)
		h := streamablehttp.NewStateful(streamablehttp.StatefulConfig{BaseHeaders: cfg.Headers}, registry, runtime, log)
		h.Routes(r, cfg.StreamableHTTPPath, cfg.HealthEndpoints)

	case cfg.OutputTransport == config.OutputStreamableHTTP:
		h := streamablehttp.NewStateless(streamablehttp.StatelessConfig{
			ChildSpec:       spec,
			ProtocolVersion: cfg.ProtocolVersion,
			BaseHeaders:     cfg.Headers,
		}, runtime, log)
		h.Routes(r, cfg.StreamableHTTPPath, cfg.HealthEndpoints)

	default:
		sharedChild = child.New(spec, log, stderrSink(log))
		defaults := runtime.Defaults()
		if err := sharedChild.Spawn(defaults.ExtraCLIArgs, defaults.Env); err != nil {
			return errs.Wrap(errs.KindChildSpawnFailed, "spawn stdio child", err)
		}

		switch cfg.OutputTransport {
		case config.OutputSSE:
			a := stdiosse.New(stdiosse.Config{BaseURL: cfg.BaseURL, SSEPath: cfg.SSEPath, MessagePath: cfg.MessagePath}, sharedChild, runtime, log)
			a.Run()
			a.Routes(r, cfg.HealthEndpoints)
		case config.OutputWS:
			a := stdiows.New(stdiows.Config{MessagePath: cfg.MessagePath}, sharedChild, runtime, log)
			a.Run()
			a.Routes(r, cfg.HealthEndpoints)
		default:
			return errs.New(errs.KindConfig, fmt.Sprintf("unsupported outputTransport %q for --stdio", cfg.OutputTransport))
		}
	}

	var adminSrv *admin.Server
	if cfg.RuntimeAdminPort > 0 {
		adminSrv = admin.New(runtime, restart, isSession, log)
	}
	if cfg.RuntimePrompt {
		go admin.RunPrompt(os.Stdin, runtime, restart, log)
	}

	return serveHTTP(ctx, cfg, r, adminSrv, log)
}

// serveHTTP runs the main chi router on cfg.Port and, if configured, the
// loopback-only admin server on cfg.RuntimeAdminPort, until ctx is
// cancelled, then drains both within shutdownGrace (spec.md §5).
func serveHTTP(ctx context.Context, cfg config.Config, r chi.Router, adminSrv *admin.Server, log zerolog.Logger) error {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}

	var adminHTTP *http.Server
	if adminSrv != nil {
		adminHTTP = &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", cfg.RuntimeAdminPort), Handler: adminSrv.Router()}
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- errs.Wrap(errs.KindTransportProtocol, "main HTTP server", err)
		}
	}()
	if adminHTTP != nil {
		go func() {
			log.Info().Int("port", cfg.RuntimeAdminPort).Msg("admin surface listening on loopback")
			if err := adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- errs.Wrap(errs.KindTransportProtocol, "admin HTTP server", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if adminHTTP != nil {
		_ = adminHTTP.Shutdown(shutdownCtx)
	}
	return nil
}

// runSSEInbound is the SSE→stdio mode (spec.md §4.5.5): a remote legacy-SSE
// MCP server is bridged onto this process's own stdio. The admin HTTP
// surface is still wired in here (spec.md §8 scenario 4 exercises a live
// header patch against exactly this mode); only the stdin prompt is left
// disabled, since stdin is already owned by the stdio pump.
func runSSEInbound(ctx context.Context, cfg config.Config, runtime *runtimeargs.Store, log zerolog.Logger) error {
	a := ssestdio.New(ssestdio.Config{RemoteURL: cfg.SSE, Headers: cfg.Headers}, runtime, cfg.OAuth2Bearer, log)

	shutdownAdmin := startAdminHTTP(cfg, runtime, noopRestart, noSessions, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = shutdownAdmin(shutdownCtx)
	}()

	stdout := newStdoutWriter()
	if err := a.Run(ctx, func(msg jsonrpc.Message) error { return stdout.write(msg) }); err != nil {
		return err
	}

	return readStdinLoop(ctx, log, func(msg jsonrpc.Message) {
		if err := a.Forward(ctx, msg); err != nil {
			log.Info().Err(err).Msg("failed to forward message upstream")
		}
	})
}

// runStreamableHTTPInbound is the StreamableHTTP→stdio mode (spec.md
// §4.5.6): a remote Streamable HTTP MCP server is bridged onto this
// process's own stdio, with a final DELETE at shutdown. The admin HTTP
// surface is wired in for the same reason as runSSEInbound.
func runStreamableHTTPInbound(ctx context.Context, cfg config.Config, runtime *runtimeargs.Store, log zerolog.Logger) error {
	a := streamablestdio.New(streamablestdio.Config{RemoteURL: cfg.StreamableHTTP, Headers: cfg.Headers, Bearer: cfg.OAuth2Bearer}, runtime, log)
	stdout := newStdoutWriter()

	shutdownAdmin := startAdminHTTP(cfg, runtime, noopRestart, noSessions, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = shutdownAdmin(shutdownCtx)
	}()

	err := readStdinLoop(ctx, log, func(msg jsonrpc.Message) {
		if err := a.Forward(ctx, msg, func(resp jsonrpc.Message) { _ = stdout.write(resp) }); err != nil {
			log.Info().Err(err).Msg("streamable HTTP request failed")
		}
	})

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	a.Close(closeCtx)
	return err
}

// noopRestart is the Restarter for the two stdio-outbound-less modes above:
// neither spawns a local child, so there is nothing to restart when an
// admin patch flips extra_cli_args/env. These adapters read only the
// headers from runtime.Effective, so a header patch takes effect on the
// next outbound request while extra_cli_args/env are stored but unused.
func noopRestart(string) error { return nil }

// noSessions is the isSession predicate for the same two modes: they have
// no session concept, so every id 404s.
func noSessions(string) bool { return false }

// startAdminHTTP starts the loopback-only runtime admin surface when
// cfg.RuntimeAdminPort is set, for modes that have no other HTTP listener
// to piggyback on (runSSEInbound, runStreamableHTTPInbound). It returns a
// shutdown func that is a no-op when the admin surface was never started.
func startAdminHTTP(cfg config.Config, runtime *runtimeargs.Store, restart admin.Restarter, isSession func(string) bool, log zerolog.Logger) func(context.Context) error {
	if cfg.RuntimeAdminPort <= 0 {
		return func(context.Context) error { return nil }
	}
	adminSrv := admin.New(runtime, restart, isSession, log)
	httpSrv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", cfg.RuntimeAdminPort), Handler: adminSrv.Router()}
	go func() {
		log.Info().Int("port", cfg.RuntimeAdminPort).Msg("admin surface listening on loopback")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin HTTP server failed")
		}
	}()
	return httpSrv.Shutdown
}

// readStdinLoop reads line-delimited JSON-RPC from stdin and invokes handle
// for each message until stdin closes or ctx is cancelled.
func readStdinLoop(ctx context.Context, log zerolog.Logger, handle func(jsonrpc.Message)) error {
	reader := bufio.NewReader(os.Stdin)
	done := make(chan struct{})
	go func() { <-ctx.Done(); close(done) }()

	for {
		frame, err := jsonrpc.ReadFrame(reader)
		if err != nil {
			if perr, ok := err.(*jsonrpc.ParseError); ok {
				log.Info().Str("line", perr.Line).Msg("stdin: discarding unparseable line")
				continue
			}
			return nil
		}
		select {
		case <-done:
			return nil
		default:
		}
		if frame.IsBatch {
			for _, msg := range frame.Batch {
				handle(msg)
			}
			continue
		}
		handle(frame.Single)
	}
}

// stdoutWriter serializes concurrent writers onto os.Stdout, since both the
// inbound pump and (for some modes) multiple in-flight requests can write
// response lines concurrently.
type stdoutWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newStdoutWriter() *stdoutWriter {
	return &stdoutWriter{w: bufio.NewWriter(os.Stdout)}
}

func (s *stdoutWriter) write(msg jsonrpc.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := jsonrpc.WriteMessage(s.w, msg); err != nil {
		return err
	}
	return s.w.Flush()
}

func stderrSink(log zerolog.Logger) func(string) {
	return func(line string) { log.Info().Str("source", "child-stderr").Msg(line) }
}
