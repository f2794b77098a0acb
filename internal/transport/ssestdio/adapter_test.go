package ssestdio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/supergateway/supergateway/internal/jsonrpc"
	"github.com/supergateway/supergateway/internal/runtimeargs"
)

func newTestRemote(t *testing.T) (*httptest.Server, *sync.Mutex, *[]string) {
	t.Helper()
	srv, mu, posted, _ := newTestRemoteCapturingAuth(t)
	return srv, mu, posted
}

func newTestRemoteCapturingAuth(t *testing.T) (*httptest.Server, *sync.Mutex, *[]string, *[]string) {
	t.Helper()
	var mu sync.Mutex
	var posted []string
	var authHeaders []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			mu.Lock()
			authHeaders = append(authHeaders, r.Header.Get("Authorization"))
			mu.Unlock()
			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("event: endpoint\ndata: /message\n\n"))
			flusher.Flush()
			_, _ = w.Write([]byte("event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n"))
			flusher.Flush()
			<-r.Context().Done()
		case http.MethodPost:
			mu.Lock()
			posted = append(posted, r.URL.Path)
			authHeaders = append(authHeaders, r.Header.Get("Authorization"))
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &mu, &posted, &authHeaders
}

func TestRunConnectsAndDeliversMessages(t *testing.T) {
	srv, _, _ := newTestRemote(t)
	a := New(Config{RemoteURL: srv.URL}, runtimeargs.New(runtimeargs.Args{}), "", zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	received := make(chan jsonrpc.Message, 1)
	require.NoError(t, a.Run(ctx, func(msg jsonrpc.Message) error {
		received <- msg
		return nil
	}))

	select {
	case msg := <-received:
		require.True(t, msg.IsResponse())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered message")
	}
}

func TestForwardPostsToAnnouncedEndpoint(t *testing.T) {
	srv, mu, posted := newTestRemote(t)
	a := New(Config{RemoteURL: srv.URL}, runtimeargs.New(runtimeargs.Args{}), "", zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Run(ctx, func(jsonrpc.Message) error { return nil }))

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.endpoint != ""
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, a.Forward(ctx, jsonrpc.Message{JSONRPC: "2.0", ID: float64(2), Method: "ping"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*posted) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBearerTokenAuthorizesRequestsWithoutDoubleBearerPrefix(t *testing.T) {
	srv, mu, _, authHeaders := newTestRemoteCapturingAuth(t)
	a := New(Config{RemoteURL: srv.URL}, runtimeargs.New(runtimeargs.Args{}), "tok123", zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Run(ctx, func(jsonrpc.Message) error { return nil }))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*authHeaders) > 0
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	got := (*authHeaders)[0]
	mu.Unlock()
	require.Equal(t, "Bearer tok123", got)
}

func TestForwardWithoutConnectedEndpointFails(t *testing.T) {
	a := New(Config{RemoteURL: "http://127.0.0.1:0"}, runtimeargs.New(runtimeargs.Args{}), "", zerolog.Nop())
	err := a.Forward(context.Background(), jsonrpc.Message{JSONRPC: "2.0", ID: float64(1), Method: "ping"})
	require.Error(t, err)
}
