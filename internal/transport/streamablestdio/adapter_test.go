package streamablestdio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/supergateway/supergateway/internal/jsonrpc"
	"github.com/supergateway/supergateway/internal/runtimeargs"
)

func TestForwardPlainJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Mcp-Session-Id", "sess-1")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`))
	}))
	defer srv.Close()

	a := New(Config{RemoteURL: srv.URL}, runtimeargs.New(runtimeargs.Args{}), zerolog.Nop())

	var got []jsonrpc.Message
	err := a.Forward(context.Background(), jsonrpc.Message{JSONRPC: "2.0", ID: float64(1), Method: "ping"}, func(msg jsonrpc.Message) {
		got = append(got, msg)
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "sess-1", a.currentSession())
}

func TestForwardStreamedSSEResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	a := New(Config{RemoteURL: srv.URL}, runtimeargs.New(runtimeargs.Args{}), zerolog.Nop())

	var got []jsonrpc.Message
	err := a.Forward(context.Background(), jsonrpc.Message{JSONRPC: "2.0", ID: float64(1), Method: "ping"}, func(msg jsonrpc.Message) {
		got = append(got, msg)
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestForwardNonTwoXXIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	a := New(Config{RemoteURL: srv.URL}, runtimeargs.New(runtimeargs.Args{}), zerolog.Nop())
	err := a.Forward(context.Background(), jsonrpc.Message{JSONRPC: "2.0", ID: float64(1), Method: "ping"}, func(jsonrpc.Message) {})
	require.Error(t, err)
}

func TestForwardSendsCapturedSessionIDOnSubsequentRequests(t *testing.T) {
	var gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sid := r.Header.Get("Mcp-Session-Id"); sid != "" {
			gotSession = sid
		} else {
			w.Header().Set("Mcp-Session-Id", "sess-xyz")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()

	a := New(Config{RemoteURL: srv.URL}, runtimeargs.New(runtimeargs.Args{}), zerolog.Nop())
	require.NoError(t, a.Forward(context.Background(), jsonrpc.Message{JSONRPC: "2.0", ID: float64(1), Method: "a"}, func(jsonrpc.Message) {}))
	require.NoError(t, a.Forward(context.Background(), jsonrpc.Message{JSONRPC: "2.0", ID: float64(2), Method: "b"}, func(jsonrpc.Message) {}))
	require.Equal(t, "sess-xyz", gotSession)
}

func TestCloseSendsDeleteWithSessionID(t *testing.T) {
	var gotMethod, gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotSession = r.Header.Get("Mcp-Session-Id")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New(Config{RemoteURL: srv.URL}, runtimeargs.New(runtimeargs.Args{}), zerolog.Nop())
	a.setSession("sess-1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Close(ctx)

	require.Equal(t, http.MethodDelete, gotMethod)
	require.Equal(t, "sess-1", gotSession)
}

func TestBearerConfigAuthorizesRequestsWithoutDoubleBearerPrefix(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()

	a := New(Config{RemoteURL: srv.URL, Bearer: "tok123"}, runtimeargs.New(runtimeargs.Args{}), zerolog.Nop())
	require.NoError(t, a.Forward(context.Background(), jsonrpc.Message{JSONRPC: "2.0", ID: float64(1), Method: "ping"}, func(jsonrpc.Message) {}))
	require.Equal(t, "Bearer tok123", gotAuth)
}

func TestCloseWithNoSessionIsNoop(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	a := New(Config{RemoteURL: srv.URL}, runtimeargs.New(runtimeargs.Args{}), zerolog.Nop())
	a.Close(context.Background())
	require.False(t, called)
}
