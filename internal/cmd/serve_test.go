package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccui-dev/ccui/internal/config"
	"github.com/ccui-dev/ccui/internal/middleware"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	rt := &config.RuntimeConfig{
		Mode:     config.NativeMode,
		HomeDir:  t.TempDir(),
		StateDir: t.TempDir(),
		TempDir:  t.TempDir(),
	}
	return config.Default(rt)
}

func TestServerLifecycle(t *testing.T) {
	t.Setenv(middleware.SecretEnv, "")
	cfg := testConfig(t)

	srv, err := newServer(cfg)
	require.NoError(t, err)
	assert.Nil(t, srv.deps.Auth)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.run(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	repoDir := t.TempDir()
	body := fmt.Sprintf(`{"name":"web","path":%q}`, repoDir)
	resp, err := http.Post(base+"/api/repos", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(base + "/api/repos")
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"web"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, err = os.Stat(filepath.Join(cfg.DataDir, "repos.yaml"))
	assert.NoError(t, err, "repo registry persisted under the data dir")
}

func TestServerRequiresTokenWhenSecretSet(t *testing.T) {
	t.Setenv(middleware.SecretEnv, "s3cret")
	srv, err := newServer(testConfig(t))
	require.NoError(t, err)
	assert.NotNil(t, srv.deps.Auth)
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1"))
	assert.True(t, isLoopbackAddr("localhost"))
	assert.True(t, isLoopbackAddr("::1"))
	assert.False(t, isLoopbackAddr("0.0.0.0"))
	assert.False(t, isLoopbackAddr("example.com"))
}

func TestHookGeneratorFollowsConfig(t *testing.T) {
	dir := t.TempDir()
	hooksDir := filepath.Join(dir, "hooks")
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("port: 7100\nhooks_dir: %s\ndata_dir: %s\n", hooksDir, dir)), 0644))

	configPath = path
	t.Cleanup(func() { configPath = ""; hooksPort = 0 })

	gen, port, err := hookGenerator()
	require.NoError(t, err)
	assert.Equal(t, 7100, port)
	assert.Equal(t, hooksDir, gen.BaseDir)

	hooksPort = 7200
	_, port, err = hookGenerator()
	require.NoError(t, err)
	assert.Equal(t, 7200, port)
}
