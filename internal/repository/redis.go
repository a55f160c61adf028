package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"support-agent/internal/domain"
)

const redisTTL = 30 * 24 * time.Hour

// Redis stores each thread as a list of JSON-encoded messages plus a hash of
// routing metadata, both expiring together.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) (*Redis, error) {
	if client == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	return &Redis{client: client}, nil
}

func msgKey(threadID string) string  { return "thread:" + threadID + ":messages" }
func metaKey(threadID string) string { return "thread:" + threadID + ":meta" }

// Get loads the thread messages and metadata. Unknown threads return a zero
// state.
func (r *Redis) Get(ctx context.Context, threadID string) (domain.ConversationState, error) {
	state := domain.ConversationState{ThreadID: threadID}

	raw, err := r.client.LRange(ctx, msgKey(threadID), 0, -1).Result()
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: redis lrange: %w", err)
	}
	state.Messages = make([]domain.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return domain.ConversationState{}, fmt.Errorf("repository: redis decode message: %w", err)
		}
		state.Messages = append(state.Messages, msg)
	}

	meta, err := r.client.HGetAll(ctx, metaKey(threadID)).Result()
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: redis hgetall: %w", err)
	}
	state.NextRepresentative = domain.Representative(meta["nextRepresentative"])
	state.AwaitingRefund, _ = strconv.ParseBool(meta["awaitingRefund"])
	state.RefundAuthorized, _ = strconv.ParseBool(meta["refundAuthorized"])
	return state, nil
}

// AppendTurn pushes the staged messages and updates the routing metadata in
// one pipelined transaction. The refundAuthorized field is not written here
// so a concurrent authorization is never clobbered.
func (r *Redis) AppendTurn(ctx context.Context, threadID string, msgs []domain.ChatMessage, meta domain.TurnMeta) error {
	encoded := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("repository: redis encode message: %w", err)
		}
		encoded = append(encoded, b)
	}

	pipe := r.client.TxPipeline()
	if len(encoded) > 0 {
		pipe.RPush(ctx, msgKey(threadID), encoded...)
	}
	pipe.HSet(ctx, metaKey(threadID),
		"nextRepresentative", string(meta.NextRepresentative),
		"awaitingRefund", strconv.FormatBool(meta.AwaitingRefund),
	)
	pipe.Expire(ctx, msgKey(threadID), redisTTL)
	pipe.Expire(ctx, metaKey(threadID), redisTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("repository: redis append turn: %w", err)
	}
	return nil
}

// SetRefundAuthorized records the human authorization decision on the thread
// metadata hash.
func (r *Redis) SetRefundAuthorized(ctx context.Context, threadID string, authorized bool) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, metaKey(threadID), "refundAuthorized", strconv.FormatBool(authorized))
	pipe.Expire(ctx, metaKey(threadID), redisTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("repository: redis set refund authorized: %w", err)
	}
	return nil
}
