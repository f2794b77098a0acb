// Package child supervises a spawned MCP stdio server: it owns the child's
// stdin/stdout/stderr, multicasts parsed stdout messages to subscribers, and
// supports graceful restart on argument/env change (spec.md §4.2).
package child

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/supergateway/supergateway/internal/errs"
	"github.com/supergateway/supergateway/internal/jsonrpc"
)

// Spec names the base command and arguments a Supervisor spawns; extra CLI
// args from runtime overrides are appended at spawn time.
type Spec struct {
	Program string
	Args    []string
}

// RestartGrace is how long Restart waits for the old child to exit on its
// own after stdin is closed before it is killed outright (spec.md §4.2).
const RestartGrace = 2 * time.Second

// Supervisor spawns and monitors a single MCP stdio child process at a
// time. It is safe for concurrent use; Send serializes writes through one
// outbound channel so stdin is never interleaved (spec.md §5).
type Supervisor struct {
	spec   Spec
	log    zerolog.Logger
	stderr func(line string)

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     *bufio.Writer
	stdinFile interface {
		Close() error
	}
	exited     chan struct{}
	alive      atomic.Bool
	restartMu  sync.Mutex
	restarting atomic.Bool

	subMu sync.Mutex
	subs  map[chan jsonrpc.Message]struct{}
}

// New builds a Supervisor for spec. stderrSink receives each non-empty
// stderr line from the child; pass nil to drop them.
func New(spec Spec, log zerolog.Logger, stderrSink func(line string)) *Supervisor {
	if stderrSink == nil {
		stderrSink = func(string) {}
	}
	return &Supervisor{
		spec:   spec,
		log:    log,
		stderr: stderrSink,
		subs:   make(map[chan jsonrpc.Message]struct{}),
	}
}

// Spawn launches the child with extraArgs appended and env merged over the
// current process environment, then starts the stdout/stderr pump
// goroutines.
func (s *Supervisor) Spawn(extraArgs []string, env map[string]string) error {
	args := append(append([]string(nil), s.spec.Args...), extraArgs...)
	cmd := exec.Command(s.spec.Program, args...)
	cmd.Env = mergeEnv(os.Environ(), env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errs.Wrap(errs.KindChildSpawnFailed, "open child stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errs.Wrap(errs.KindChildSpawnFailed, "open child stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errs.Wrap(errs.KindChildSpawnFailed, "open child stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.KindChildSpawnFailed, "spawn child", err)
	}

	exited := make(chan struct{})

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = bufio.NewWriter(stdin)
	s.stdinFile = stdin
	s.exited = exited
	s.mu.Unlock()
	s.alive.Store(true)

	go s.pumpStdout(stdout)
	go s.pumpStderr(stderr)
	go s.awaitExit(cmd, exited)

	return nil
}

func (s *Supervisor) pumpStdout(r interface{ Read([]byte) (int, error) }) {
	reader := bufio.NewReader(r)
	for {
		frame, err := jsonrpc.ReadFrame(reader)
		if err != nil {
			if perr, ok := asParseError(err); ok {
				s.log.Info().Str("line", perr.Line).Msg("child stdout: discarding unparseable line")
				continue
			}
			return
		}
		if frame.IsBatch {
			for _, msg := range frame.Batch {
				s.broadcast(msg)
			}
			continue
		}
		s.broadcast(frame.Single)
	}
}

func asParseError(err error) (*jsonrpc.ParseError, bool) {
	perr, ok := err.(*jsonrpc.ParseError)
	return perr, ok
}

func (s *Supervisor) pumpStderr(r interface{ Read([]byte) (int, error) }) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed != "" {
			s.stderr(trimmed)
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) awaitExit(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	s.alive.Store(false)
	if err != nil {
		s.log.Info().Err(err).Msg("child exited")
	} else {
		s.log.Info().Msg("child exited")
	}
	close(exited)

	if s.restarting.Load() {
		// A Restart is in flight: it will spawn the replacement child and
		// existing subscribers keep reading from it, so their channels must
		// survive this exit.
		return
	}

	s.subMu.Lock()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = make(map[chan jsonrpc.Message]struct{})
	s.subMu.Unlock()
}

func (s *Supervisor) broadcast(msg jsonrpc.Message) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- msg:
		default:
			s.log.Info().Msg("subscriber channel full, dropping message")
		}
	}
}

// Subscribe returns a channel receiving every message the child writes to
// stdout from now on. The channel is closed when the child exits; callers
// must call Unsubscribe otherwise to release it.
func (s *Supervisor) Subscribe() chan jsonrpc.Message {
	ch := make(chan jsonrpc.Message, 256)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe releases a channel obtained from Subscribe.
func (s *Supervisor) Unsubscribe(ch chan jsonrpc.Message) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, ch)
}

// Send writes a single framed message to the child's stdin.
func (s *Supervisor) Send(msg jsonrpc.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return errs.New(errs.KindChildExited, "child stdin not available")
	}
	if err := jsonrpc.WriteMessage(s.stdin, msg); err != nil {
		return errs.Wrap(errs.KindChildExited, "write to child stdin", err)
	}
	return s.stdin.Flush()
}

// IsAlive reports whether the child process is currently running.
func (s *Supervisor) IsAlive() bool {
	return s.alive.Load()
}

// Restart closes stdin, waits up to RestartGrace for a natural exit, then
// kills and respawns with the given args/env. In-flight requests tracked by
// callers are not replayed.
func (s *Supervisor) Restart(extraArgs []string, env map[string]string) error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	s.restarting.Store(true)
	defer s.restarting.Store(false)

	s.mu.Lock()
	cmd := s.cmd
	stdinFile := s.stdinFile
	exited := s.exited
	s.mu.Unlock()

	if stdinFile != nil {
		_ = stdinFile.Close()
	}

	if cmd != nil && cmd.Process != nil && exited != nil {
		select {
		case <-exited:
		case <-time.After(RestartGrace):
			_ = cmd.Process.Kill()
			<-exited
		}
	}

	s.mu.Lock()
	s.stdin = nil
	s.stdinFile = nil
	s.cmd = nil
	s.exited = nil
	s.mu.Unlock()

	return s.Spawn(extraArgs, env)
}

// Shutdown terminates the child without respawning. It waits on the
// exited channel awaitExit closes rather than calling cmd.Wait itself,
// since exec.Cmd.Wait must only ever be called once per process.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	cmd := s.cmd
	stdinFile := s.stdinFile
	exited := s.exited
	s.mu.Unlock()

	if stdinFile != nil {
		_ = stdinFile.Close()
	}
	if cmd == nil || cmd.Process == nil || exited == nil {
		return
	}

	select {
	case <-exited:
	case <-time.After(RestartGrace):
		_ = cmd.Process.Kill()
		<-exited
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := append([]string(nil), base...)
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}
