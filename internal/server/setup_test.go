package server

import (
	"context"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mobiletoly/go-overshare/internal/config"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Auth.TokenSecret = "test-secret"
	cfg.Server.JoinRate = math.Inf(1)
	cfg.Server.JoinBurst = 100
	return cfg
}

func startServer(t *testing.T, cfg config.Config) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestSetup_MemoryStoreServesRoutes(t *testing.T) {
	ts := startServer(t, testConfig())
	require.Nil(t, ts.Pool)

	status, _ := get(t, ts.URL()+"/health")
	require.Equal(t, http.StatusOK, status)

	status, body := get(t, ts.URL()+"/metrics")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "overshare_http_requests_total")

	status, body = get(t, ts.URL()+"/v1/nowhere")
	require.Equal(t, http.StatusNotFound, status)
	require.Contains(t, body, "not_found")
}

func TestSetup_MetricsCanBeDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Metrics = false
	ts := startServer(t, cfg)
	require.Nil(t, ts.Metrics)

	status, _ := get(t, ts.URL()+"/metrics")
	require.Equal(t, http.StatusNotFound, status)
}

func TestSetup_RejectsUnreachableDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = config.StorePostgres
	cfg.Store.DatabaseURL = "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Setup(ctx, cfg, nil)
	require.Error(t, err)
}

func TestSetup_PostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping PostgreSQL setup test in short mode")
	}
	ctx := context.Background()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		if os.Getenv("OVERSHARE_TESTCONTAINERS") == "" {
			t.Skip("Set TEST_DATABASE_URL or OVERSHARE_TESTCONTAINERS=1 to run PostgreSQL tests")
		}
		container, err := postgres.RunContainer(ctx,
			testcontainers.WithImage("postgres:15-alpine"),
			postgres.WithDatabase("overshare_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = container.Terminate(ctx) })
		dbURL, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	cfg := testConfig()
	cfg.Store.Driver = config.StorePostgres
	cfg.Store.DatabaseURL = dbURL
	ts := startServer(t, cfg)
	require.NotNil(t, ts.Pool)

	resp, err := http.Post(ts.URL()+"/v1/workspaces", "application/json",
		strings.NewReader(`{"name":"Family","display_name":"Alice"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}
