package cache

import (
	"context"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/LucetTin5/chzzk-timeline/chat"
	"github.com/LucetTin5/chzzk-timeline/discovery"
)

func newTestRecorder(t *testing.T) *RedisRecorder {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis test")
	}
	r, err := NewRedisRecorder(context.Background(), addr, "", 15, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisRecorder() error = %v", err)
	}
	t.Cleanup(func() {
		_ = r.client.FlushDB(context.Background()).Err()
		_ = r.Close()
	})
	if err := r.client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return r
}

func TestNewRedisRecorder_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewRedisRecorder(ctx, "127.0.0.1:1", "", 0, time.Minute); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestRedisRecorder_Lifecycle(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()
	rc := discovery.ReadyChannel{ChannelID: "c1", ChatChannelID: "chat-1", FollowerCount: 7, ChannelName: "one"}

	if err := r.SessionOpened(ctx, "s1", rc); err != nil {
		t.Fatalf("SessionOpened() error = %v", err)
	}
	live, err := r.LiveChannels(ctx)
	if err != nil || len(live) != 1 || live[0] != "c1" {
		t.Fatalf("LiveChannels() = %v, %v", live, err)
	}
	fields, err := r.client.HGetAll(ctx, channelKey("c1")).Result()
	if err != nil || fields["name"] != "one" || fields["follower"] != "7" || fields["session_id"] != "s1" {
		t.Fatalf("channel hash = %v, %v", fields, err)
	}

	for _, uid := range []string{"u1", "u2", "u1"} {
		if err := r.Chat(ctx, chat.Event{ChannelID: "c1", UserID: uid}); err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
	}
	chatters, err := r.Chatters(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(chatters)
	if len(chatters) != 2 || chatters[0] != "u1" || chatters[1] != "u2" {
		t.Fatalf("Chatters() = %v", chatters)
	}
	ttl, err := r.client.TTL(ctx, chattersKey("c1")).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Fatalf("chatter set TTL = %v, %v", ttl, err)
	}

	if err := r.SessionClosed(ctx, "s1", "c1", chat.ReasonLiveEnded); err != nil {
		t.Fatalf("SessionClosed() error = %v", err)
	}
	live, err = r.LiveChannels(ctx)
	if err != nil || len(live) != 0 {
		t.Fatalf("LiveChannels() after close = %v, %v", live, err)
	}
	if reason, _ := r.client.HGet(ctx, channelKey("c1"), "last_end_reason").Result(); reason != chat.ReasonLiveEnded {
		t.Fatalf("last_end_reason = %q", reason)
	}
}
