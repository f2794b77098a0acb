package session

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/supergateway/supergateway/internal/child"
	"github.com/supergateway/supergateway/internal/jsonrpc"
)

const echoScript = `
while IFS= read -r line; do
  echo "{\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}"
done
`

func newTestSpawner() Spawner {
	return func() (*child.Supervisor, error) {
		sv := child.New(child.Spec{Program: "sh", Args: []string{"-c", echoScript}}, zerolog.Nop(), nil)
		if err := sv.Spawn(nil, nil); err != nil {
			return nil, err
		}
		return sv, nil
	}
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "sess-" + string(rune('a'+n-1))
	}
}

func TestCreateSessionAssignsIDAndActiveCount(t *testing.T) {
	r := New(0, newTestSpawner(), zerolog.Nop(), sequentialIDs())
	sess, err := r.CreateSession()
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	got, ok := r.GetSession(sess.ID)
	require.True(t, ok)
	require.Same(t, sess, got)

	r.mu.Lock()
	e := r.sessions[sess.ID]
	count, st := e.count, e.state
	r.mu.Unlock()
	require.Equal(t, 1, count)
	require.Equal(t, stateActive, st)
}

func TestIncDecWithoutTimeoutNeverEvicts(t *testing.T) {
	r := New(0, newTestSpawner(), zerolog.Nop(), sequentialIDs())
	sess, err := r.CreateSession()
	require.NoError(t, err)

	r.Dec(sess.ID)
	_, ok := r.GetSession(sess.ID)
	require.True(t, ok, "session with zero timeout should never be evicted")
}

func TestDecArmsEvictionTimerAndIncCancelsIt(t *testing.T) {
	r := New(30*time.Millisecond, newTestSpawner(), zerolog.Nop(), sequentialIDs())
	sess, err := r.CreateSession()
	require.NoError(t, err)

	r.Dec(sess.ID)
	r.Inc(sess.ID)

	time.Sleep(60 * time.Millisecond)
	_, ok := r.GetSession(sess.ID)
	require.True(t, ok, "Inc should have cancelled the eviction timer")
}

func TestDecEvictsAfterTimeout(t *testing.T) {
	r := New(20*time.Millisecond, newTestSpawner(), zerolog.Nop(), sequentialIDs())
	sess, err := r.CreateSession()
	require.NoError(t, err)

	r.Dec(sess.ID)
	require.Eventually(t, func() bool {
		_, ok := r.GetSession(sess.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestRemoveSessionShutsDownChild(t *testing.T) {
	r := New(0, newTestSpawner(), zerolog.Nop(), sequentialIDs())
	sess, err := r.CreateSession()
	require.NoError(t, err)

	require.True(t, r.RemoveSession(sess.ID))
	_, ok := r.GetSession(sess.ID)
	require.False(t, ok)
	require.False(t, r.RemoveSession(sess.ID))
}

func TestPushEventAndDrain(t *testing.T) {
	r := New(0, newTestSpawner(), zerolog.Nop(), sequentialIDs())
	sess, err := r.CreateSession()
	require.NoError(t, err)

	require.Empty(t, sess.DrainEvents())
	sess.PushEvent(jsonrpc.Message{JSONRPC: "2.0", Method: "notifications/progress"})
	events := sess.DrainEvents()
	require.Len(t, events, 1)
	require.Empty(t, sess.DrainEvents())
}

func TestForEachVisitsAllSessions(t *testing.T) {
	r := New(0, newTestSpawner(), zerolog.Nop(), sequentialIDs())
	_, err := r.CreateSession()
	require.NoError(t, err)
	_, err = r.CreateSession()
	require.NoError(t, err)

	seen := map[string]bool{}
	r.ForEach(func(id string, sess *Session) { seen[id] = true })
	require.Len(t, seen, 2)
}
