package sandboxes

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/corehost"
	"github.com/kagan-sh/kagan/internal/db"
	"github.com/kagan-sh/kagan/internal/secrets"
	"github.com/kagan-sh/kagan/internal/sprites"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// newTestPlugin wires a real (unexported) SQLite-backed secret store with no
// Sprites token on file, so every handler deterministically takes the
// "token not configured" path without reaching the network.
func newTestPlugin(t *testing.T) *Plugin {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.db")

	writerConn, err := db.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writerConn.Close() })
	readerConn, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = readerConn.Close() })

	masterKey, err := secrets.NewMasterKeyProvider(dir)
	require.NoError(t, err)

	store, closeFn, err := secrets.Provide(sqlx.NewDb(writerConn, "sqlite3"), sqlx.NewDb(readerConn, "sqlite3"), masterKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })

	svc := sprites.NewService(store, testLogger(t))
	return New(svc)
}

func TestHandleStatus_ReportsTokenNotConfigured(t *testing.T) {
	p := newTestPlugin(t)
	out, err := p.handleStatus(context.Background(), &corehost.Request{})
	require.NoError(t, err)
	assert.Equal(t, false, out["token_configured"])
	assert.Equal(t, false, out["connected"])
}

func TestHandleListInstances_FailsWithoutToken(t *testing.T) {
	p := newTestPlugin(t)
	_, err := p.handleListInstances(context.Background(), &corehost.Request{})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, corehost.ErrCode("SANDBOX_LIST_FAILED"), kerr.Code)
}

func TestHandleDestroyInstance_RequiresName(t *testing.T) {
	p := newTestPlugin(t)
	_, err := p.handleDestroyInstance(context.Background(), &corehost.Request{Params: map[string]interface{}{}})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, corehost.ErrValidationError, kerr.Code)
}

func TestHandleDestroyInstance_FailsWithoutToken(t *testing.T) {
	p := newTestPlugin(t)
	_, err := p.handleDestroyInstance(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"name": "kagan-test-1"},
	})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, corehost.ErrCode("SANDBOX_DESTROY_FAILED"), kerr.Code)
}

func TestHandleDestroyAll_FailsWithoutToken(t *testing.T) {
	p := newTestPlugin(t)
	_, err := p.handleDestroyAll(context.Background(), &corehost.Request{})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, corehost.ErrCode("SANDBOX_DESTROY_FAILED"), kerr.Code)
}

func TestHandleTestConnection_ReportsFailureWithoutTokenAsResultNotError(t *testing.T) {
	p := newTestPlugin(t)
	out, err := p.handleTestConnection(context.Background(), &corehost.Request{})
	require.NoError(t, err)
	assert.Equal(t, false, out["success"])
	assert.NotEmpty(t, out["error"])
}

func TestCapability_ReturnsSandboxes(t *testing.T) {
	assert.Equal(t, "sandboxes", newTestPlugin(t).Capability())
}
