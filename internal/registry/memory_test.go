package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/agentassist/internal/model"
)

func TestMemoryRegistry_RegisterAndGet(t *testing.T) {
	r := NewMemoryRegistry(time.Hour)
	ctx := context.Background()

	call := model.Call{InteractionID: "c1", TenantID: "t1", Status: model.CallActive, LastActivityMs: 1}
	require.NoError(t, r.Register(ctx, call))

	got, ok, err := r.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.CallActive, got.Status)
}

func TestMemoryRegistry_TouchIsNoOpWhenAbsent(t *testing.T) {
	r := NewMemoryRegistry(time.Hour)
	err := r.Touch(context.Background(), "missing")
	assert.NoError(t, err)
}

func TestMemoryRegistry_TTLExpiryExcludesFromListActive(t *testing.T) {
	r := NewMemoryRegistry(10 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, model.Call{InteractionID: "c1", Status: model.CallActive}))

	time.Sleep(30 * time.Millisecond)

	calls, err := r.ListActive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, calls)

	_, ok, err := r.Get(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryRegistry_EndSetsStatusEnded(t *testing.T) {
	r := NewMemoryRegistry(time.Hour)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, model.Call{InteractionID: "c1", Status: model.CallActive}))
	require.NoError(t, r.End(ctx, "c1", time.Hour))

	got, ok, err := r.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.CallEnded, got.Status)

	calls, err := r.ListActive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, calls, "ended calls are not active")
}

func TestMemoryRegistry_ListActiveSortedByLastActivityDesc(t *testing.T) {
	r := NewMemoryRegistry(time.Hour)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, model.Call{InteractionID: "old", Status: model.CallActive, LastActivityMs: 1}))
	require.NoError(t, r.Register(ctx, model.Call{InteractionID: "new", Status: model.CallActive, LastActivityMs: 100}))

	calls, err := r.ListActive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "new", calls[0].InteractionID)
	assert.Equal(t, "old", calls[1].InteractionID)
}

func TestMemoryRegistry_ListActiveRespectsLimit(t *testing.T) {
	r := NewMemoryRegistry(time.Hour)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Register(ctx, model.Call{InteractionID: string(rune('a' + i)), Status: model.CallActive}))
	}
	calls, err := r.ListActive(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, calls, 2)
}
