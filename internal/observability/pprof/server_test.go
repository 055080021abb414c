package pprof

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "taskrunner/pkg/logx"
)

func TestHandlerStatsAndAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{Token: "secret"}, logx.Nop(), func() any { return map[string]int{"completed": 3} })
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/stats?token=secret")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, 3, got["completed"])

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/debug/pprof/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.Contains(t, string(body), "goroutine")
}

func TestRunServesUntilCancelled(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunRefusesPublicAddrWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: ":6060"}, logx.Nop(), nil)
	require.Error(t, s.Run(context.Background()))
	require.True(t, isLoopbackAddr("localhost:1"))
	require.True(t, isLoopbackAddr("[::1]:1"))
	require.False(t, isLoopbackAddr("0.0.0.0:1"))
}
