package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStream 把事件以 {"data": json} 的形式 XADD 到 Redis Stream，供外部通知服务消费
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStream 创建 Redis Stream 通知渠道。maxLen > 0 时近似裁剪 stream 长度。
func NewRedisStream(client *redis.Client, stream string, maxLen int64) *RedisStream {
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisStream) Notify(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"type": string(e.Type),
			"data": string(data),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if _, err := r.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}
