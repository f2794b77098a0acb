package child

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/supergateway/supergateway/internal/jsonrpc"
)

// echoScript reads JSON-RPC lines from stdin and writes a canned response
// for each one, simulating a minimal MCP stdio server without depending on
// one being installed in the test environment.
const echoScript = `
while IFS= read -r line; do
  echo "{\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"echo\":true}}"
done
`

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	sv := New(Spec{Program: "sh", Args: []string{"-c", echoScript}}, zerolog.Nop(), nil)
	require.NoError(t, sv.Spawn(nil, nil))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sv.Shutdown(ctx)
	})
	return sv
}

func TestSpawnAndSendReceivesResponse(t *testing.T) {
	sv := newTestSupervisor(t)
	require.True(t, sv.IsAlive())

	sub := sv.Subscribe()
	defer sv.Unsubscribe(sub)

	require.NoError(t, sv.Send(jsonrpc.Message{JSONRPC: "2.0", ID: float64(1), Method: "ping"}))

	select {
	case msg := <-sub:
		require.True(t, msg.IsResponse())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for child response")
	}
}

func TestSubscribeFanOutToMultipleSubscribers(t *testing.T) {
	sv := newTestSupervisor(t)

	subA := sv.Subscribe()
	subB := sv.Subscribe()
	defer sv.Unsubscribe(subA)
	defer sv.Unsubscribe(subB)

	require.NoError(t, sv.Send(jsonrpc.Message{JSONRPC: "2.0", ID: float64(1), Method: "ping"}))

	for _, sub := range []chan jsonrpc.Message{subA, subB} {
		select {
		case <-sub:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for fan-out response")
		}
	}
}

func TestRestartRespawnsChild(t *testing.T) {
	sv := newTestSupervisor(t)
	require.True(t, sv.IsAlive())

	require.NoError(t, sv.Restart(nil, nil))
	require.True(t, sv.IsAlive())

	sub := sv.Subscribe()
	defer sv.Unsubscribe(sub)
	require.NoError(t, sv.Send(jsonrpc.Message{JSONRPC: "2.0", ID: float64(1), Method: "ping"}))

	select {
	case <-sub:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response after restart")
	}
}

func TestSubscribersSurviveRestart(t *testing.T) {
	sv := newTestSupervisor(t)

	sub := sv.Subscribe()
	defer sv.Unsubscribe(sub)

	require.NoError(t, sv.Restart(nil, nil))
	require.True(t, sv.IsAlive())

	require.NoError(t, sv.Send(jsonrpc.Message{JSONRPC: "2.0", ID: float64(1), Method: "ping"}))

	select {
	case msg, ok := <-sub:
		require.True(t, ok, "subscriber channel closed across restart")
		require.True(t, msg.IsResponse())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response on pre-restart subscriber")
	}
}

func TestShutdownMarksNotAlive(t *testing.T) {
	sv := New(Spec{Program: "sh", Args: []string{"-c", echoScript}}, zerolog.Nop(), nil)
	require.NoError(t, sv.Spawn(nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sv.Shutdown(ctx)

	require.Eventually(t, func() bool { return !sv.IsAlive() }, time.Second, 10*time.Millisecond)
}

func TestSpawnFailureForUnknownProgram(t *testing.T) {
	sv := New(Spec{Program: "no-such-program-should-not-exist"}, zerolog.Nop(), nil)
	err := sv.Spawn(nil, nil)
	require.Error(t, err)
}
