package transport

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover_NoEndpointFile(t *testing.T) {
	ep, err := Discover(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, ep)
}

func TestDiscover_LiveUnixSocket(t *testing.T) {
	runtimeDir := t.TempDir()
	socketPath := filepath.Join(runtimeDir, "core.sock")
	tr := &UnixSocketTransport{Path: socketPath}
	handle, err := tr.Start(context.Background(), func(_ context.Context, conn net.Conn) {
		_ = conn.Close()
	})
	require.NoError(t, err)
	defer handle.Close()

	require.NoError(t, WriteEndpoint(runtimeDir, handle, "tok-123"))

	ep, err := Discover(runtimeDir)
	require.NoError(t, err)
	require.NotNil(t, ep)
	assert.Equal(t, KindSocket, ep.Transport)
	assert.Equal(t, "tok-123", ep.Token)
}

func TestDiscover_StaleEndpointUnreachable(t *testing.T) {
	runtimeDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(runtimeDir, "endpoint.json"),
		[]byte(`{"transport":"socket","address":"`+filepath.Join(runtimeDir, "gone.sock")+`"}`), 0o644))

	ep, err := Discover(runtimeDir)
	require.NoError(t, err)
	assert.Nil(t, ep)
}

func TestDiscover_MalformedEndpoint(t *testing.T) {
	runtimeDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(runtimeDir, "endpoint.json"), []byte("not json"), 0o644))

	ep, err := Discover(runtimeDir)
	require.NoError(t, err)
	assert.Nil(t, ep)
}
