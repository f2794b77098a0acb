package stdiosse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/supergateway/supergateway/internal/child"
	"github.com/supergateway/supergateway/internal/runtimeargs"
)

const echoScript = `
while IFS= read -r line; do
  echo "{\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"echo\":true}}"
done
`

func newTestAdapter(t *testing.T) (*Adapter, chi.Router) {
	t.Helper()
	sv := child.New(child.Spec{Program: "sh", Args: []string{"-c", echoScript}}, zerolog.Nop(), nil)
	require.NoError(t, sv.Spawn(nil, nil))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sv.Shutdown(ctx)
	})

	a := New(Config{SSEPath: "/sse", MessagePath: "/message"}, sv, runtimeargs.New(runtimeargs.Args{}), zerolog.Nop())
	a.Run()

	r := chi.NewRouter()
	a.Routes(r, []string{"/healthz"})
	return a, r
}

func TestSSEHandshakeSendsEndpointEvent(t *testing.T) {
	_, r := newTestAdapter(t)

	req := httptest.NewRequest(http.MethodGet, "/sse", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 200*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Contains(t, rec.Body.String(), "event: endpoint")
	require.Contains(t, rec.Body.String(), "/message?sessionId=")
}

func TestPostMessageWithoutSessionIDBadRequest(t *testing.T) {
	_, r := newTestAdapter(t)

	req := httptest.NewRequest(http.MethodPost, "/message", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostMessageWithUnknownSessionIDServiceUnavailable(t *testing.T) {
	_, r := newTestAdapter(t)

	req := httptest.NewRequest(http.MethodPost, "/message?sessionId=ghost", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthEndpointReflectsChildLiveness(t *testing.T) {
	_, r := newTestAdapter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
