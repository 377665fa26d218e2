package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"loomctl/internal/auth"
	internalconfig "loomctl/internal/config"
	"loomctl/internal/db"
	"loomctl/internal/db/repositories"
	"loomctl/internal/events"
	"loomctl/internal/runs"
	"loomctl/internal/scheduler"
	"loomctl/internal/template"
	"loomctl/internal/workflows"
)

func newTestServer(t *testing.T, port int) *Server {
	t.Helper()
	tdb, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tdb.Close() })

	repos := repositories.New(tdb)
	cfg := &internalconfig.Config{Host: "127.0.0.1", Port: port}

	return New(cfg, repos, workflows.NewStore(repos), runs.NewStore(repos),
		scheduler.New(repos, template.NewEngine()), events.NewBroadcaster(),
		auth.NewGate(repos.Tokens, "test-secret"))
}

func TestServer_HealthzAndGracefulShutdown(t *testing.T) {
	srv := newTestServer(t, 18423)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://127.0.0.1:18423/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get("http://127.0.0.1:18423/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	srv := newTestServer(t, 18424)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	req, err := http.NewRequest(http.MethodOptions, fmt.Sprintf("http://127.0.0.1:%d/api/v1/workflows", 18424), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}
