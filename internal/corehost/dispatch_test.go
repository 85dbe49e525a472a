package corehost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, req *Request) (map[string]interface{}, error) {
	return map[string]interface{}{"ok": true}, nil
}

func TestDispatcher_RegisterAndLookup(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Register("tasks", "create", noopHandler))

	h, ok := d.Lookup("tasks", "create")
	require.True(t, ok)
	require.NotNil(t, h)

	_, ok = d.Lookup("tasks", "delete")
	assert.False(t, ok)

	_, ok = d.Lookup("missing_capability", "create")
	assert.False(t, ok)
}

func TestDispatcher_RegisterRejectsReservedNamespace(t *testing.T) {
	d := NewDispatcher()
	err := d.Register("kagan_core_internal", "do", noopHandler)
	require.Error(t, err)
}

func TestDispatcher_RegisterRejectsDuplicateMethod(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Register("tasks", "create", noopHandler))
	err := d.Register("tasks", "create", noopHandler)
	require.Error(t, err)
}

func TestDispatcher_Capabilities(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Register("tasks", "create", noopHandler))
	require.NoError(t, d.Register("sessions", "list", noopHandler))

	caps := d.Capabilities()
	assert.ElementsMatch(t, []string{"tasks", "sessions"}, caps)
}

func TestIdempotentMutationMethods_ContainsExpectedMutations(t *testing.T) {
	for _, m := range []string{"create", "update", "delete", "move", "submit", "approve", "reject", "merge", "rebase", "kill", "add_repo"} {
		assert.True(t, IdempotentMutationMethods[m], "expected %s to be idempotency-tracked", m)
	}
	assert.False(t, IdempotentMutationMethods["list"], "reads must never be idempotency-tracked")
	assert.False(t, IdempotentMutationMethods["get"])
}
