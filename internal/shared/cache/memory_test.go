package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHeartbeat(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	got, err := c.GetNodeHeartbeat(ctx, "node-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.UpdateNodeHeartbeat(ctx, "node-1", &NodeHeartbeat{
		Status: "online", AgentVersion: "v1.0.0", InstanceCount: 3,
	}))

	got, err = c.GetNodeHeartbeat(ctx, "node-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "online", got.Status)
	assert.Equal(t, 3, got.InstanceCount)
	assert.False(t, got.UpdatedAt.IsZero())

	online, err := c.ListOnlineNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, online)

	require.NoError(t, c.DeleteNodeHeartbeat(ctx, "node-1"))
	got, err = c.GetNodeHeartbeat(ctx, "node-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryAlertThrottle(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	first, err := c.MarkAlerted(ctx, AlertLowBalance, "user-1")
	require.NoError(t, err)
	assert.True(t, first)

	// 占位期内重复标记应失败
	again, err := c.MarkAlerted(ctx, AlertLowBalance, "user-1")
	require.NoError(t, err)
	assert.False(t, again)

	// 不同主体互不影响
	other, err := c.MarkAlerted(ctx, AlertLowBalance, "user-2")
	require.NoError(t, err)
	assert.True(t, other)

	// 释放后可重新占位
	require.NoError(t, c.ClearAlerted(ctx, AlertLowBalance, "user-1"))
	first, err = c.MarkAlerted(ctx, AlertLowBalance, "user-1")
	require.NoError(t, err)
	assert.True(t, first)
}
