package repository

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"support-agent/internal/domain"
)

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewRedis(client)
	require.NoError(t, err)
	return store, mr
}

func TestNewRedis_NilClient(t *testing.T) {
	_, err := NewRedis(nil)
	require.Error(t, err)
}

func TestRedis_GetUnknownThread(t *testing.T) {
	store, _ := newRedisStore(t)
	state, err := store.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, "t-1", state.ThreadID)
	require.Empty(t, state.Messages)
}

func TestRedis_AppendTurnRoundTrip(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	msgs := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "I want a refund"},
		{Role: domain.RoleAssistant, Content: "Hold on"},
	}
	meta := domain.TurnMeta{NextRepresentative: domain.RepRefund, AwaitingRefund: true}
	require.NoError(t, store.AppendTurn(ctx, "t-1", msgs, meta))

	state, err := store.Get(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, msgs, state.Messages)
	require.Equal(t, domain.RepRefund, state.NextRepresentative)
	require.True(t, state.AwaitingRefund)
	require.False(t, state.RefundAuthorized)
}

func TestRedis_AppendIsOrdered(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendTurn(ctx, "t-1", []domain.ChatMessage{{Role: domain.RoleUser, Content: "first"}}, domain.TurnMeta{}))
	require.NoError(t, store.AppendTurn(ctx, "t-1", []domain.ChatMessage{{Role: domain.RoleUser, Content: "second"}}, domain.TurnMeta{}))

	state, err := store.Get(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 2)
	require.Equal(t, "first", state.Messages[0].Content)
	require.Equal(t, "second", state.Messages[1].Content)
}

func TestRedis_SetRefundAuthorizedSurvivesAppend(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetRefundAuthorized(ctx, "t-1", true))
	require.NoError(t, store.AppendTurn(ctx, "t-1", []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}}, domain.TurnMeta{}))

	state, err := store.Get(ctx, "t-1")
	require.NoError(t, err)
	require.True(t, state.RefundAuthorized)
}

func TestRedis_KeysExpire(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendTurn(ctx, "t-1", []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}}, domain.TurnMeta{}))
	require.Greater(t, mr.TTL("thread:t-1:messages").Seconds(), 0.0)
	require.Greater(t, mr.TTL("thread:t-1:meta").Seconds(), 0.0)
}
