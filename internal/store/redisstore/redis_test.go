package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := New(Settings{Addr: mr.Addr(), Prefix: "ridecore:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	v, err := s.Load(ctx, "action_queue_v1")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.Save(ctx, "action_queue_v1", []byte(`{"v":1,"items":[]}`)))
	assert.True(t, mr.Exists("ridecore:action_queue_v1"))

	v, err = s.Load(ctx, "action_queue_v1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"items":[]}`, string(v))

	require.NoError(t, s.Delete(ctx, "action_queue_v1"))
	assert.False(t, mr.Exists("ridecore:action_queue_v1"))
}

func TestNewRequiresAddr(t *testing.T) {
	_, err := New(Settings{})
	assert.Error(t, err)
}
