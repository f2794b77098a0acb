package streamablehttp

import (
	"io"
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

const echoByIDScript = `
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\("[^"]*"\|[0-9][0-9]*\).*/\1/p')
  echo "{\"jsonrpc\":\"2.0\",\"id\":$id,\"result\":{\"echo\":true}}"
done
`

func newStatelessServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := NewStateless(StatelessConfig{
		ChildSpec:       child.Spec{Program: "sh", Args: []string{"-c", echoByIDScript}},
		ProtocolVersion: "2024-11-05",
		RequestTimeout:  3 * time.Second,
	}, runtimeargs.New(runtimeargs.Args{}), zerolog.Nop())

	r := chi.NewRouter()
	h.Routes(r, "/mcp", []string{"/healthz"})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatelessNonInitializeRequestAutoHandshakesAndResponds(t *testing.T) {
	srv := newStatelessServer(t)

	resp, err := http.Post(srv.URL+"/mcp", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"id":1`)
	require.Contains(t, string(body), `"echo":true`)
}

func TestStatelessNotificationOnlyReturns202(t *testing.T) {
	srv := newStatelessServer(t)

	resp, err := http.Post(srv.URL+"/mcp", "application/json", strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestStatelessGetAndDeleteMethodNotAllowed(t *testing.T) {
	srv := newStatelessServer(t)

	resp, err := http.Get(srv.URL + "/mcp")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

func TestStatelessHealthEndpoint(t *testing.T) {
	srv := newStatelessServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
