// Package cache keeps a short-lived view of recent chatters in Redis.
//
// Keys:
//
//	chzzk:channel:<id>           hash of name, follower, image, chat_channel_id, session_id
//	chzzk:channel:<id>:chatters  set of user ids, expiring ChatterTTL after the last write
//	chzzk:live                   set of channel ids with an open session
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/LucetTin5/chzzk-timeline/chat"
	"github.com/LucetTin5/chzzk-timeline/discovery"
)

const liveKey = "chzzk:live"

func channelKey(channelID string) string  { return fmt.Sprintf("chzzk:channel:%s", channelID) }
func chattersKey(channelID string) string { return fmt.Sprintf("chzzk:channel:%s:chatters", channelID) }

// RedisRecorder implements chat.Recorder on Redis.
type RedisRecorder struct {
	client *redis.Client
	ttl    time.Duration
}

var _ chat.Recorder = (*RedisRecorder)(nil)

// NewRedisRecorder connects to addr and verifies the connection with PING.
func NewRedisRecorder(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisRecorder, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &RedisRecorder{client: rdb, ttl: ttl}, nil
}

// Close releases the underlying client.
func (r *RedisRecorder) Close() error { return r.client.Close() }

// Ping checks connectivity for readiness probes.
func (r *RedisRecorder) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisRecorder) SessionOpened(ctx context.Context, sessionID string, rc discovery.ReadyChannel) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, channelKey(rc.ChannelID), map[string]interface{}{
		"name":            rc.ChannelName,
		"follower":        strconv.FormatInt(rc.FollowerCount, 10),
		"image":           rc.ChannelImageURL,
		"chat_channel_id": rc.ChatChannelID,
		"session_id":      sessionID,
	})
	pipe.SAdd(ctx, liveKey, rc.ChannelID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record session open: %w", err)
	}
	return nil
}

func (r *RedisRecorder) Chat(ctx context.Context, ev chat.Event) error {
	key := chattersKey(ev.ChannelID)
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, key, ev.UserID)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record chatter: %w", err)
	}
	return nil
}

func (r *RedisRecorder) SessionClosed(ctx context.Context, sessionID, channelID, reason string) error {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, liveKey, channelID)
	pipe.HSet(ctx, channelKey(channelID), "last_end_reason", reason)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record session close: %w", err)
	}
	return nil
}

// Chatters returns the user ids seen on a channel within the TTL window.
func (r *RedisRecorder) Chatters(ctx context.Context, channelID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, chattersKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get chatters: %w", err)
	}
	return ids, nil
}

// LiveChannels returns channel ids that currently have an open session.
func (r *RedisRecorder) LiveChannels(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, liveKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get live channels: %w", err)
	}
	return ids, nil
}
