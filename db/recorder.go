package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/LucetTin5/chzzk-timeline/chat"
	"github.com/LucetTin5/chzzk-timeline/discovery"
)

// Recorder stores channels, distinct chatters per channel and session history.
type Recorder struct {
	DB *sql.DB
}

var _ chat.Recorder = (*Recorder)(nil)

// SessionOpened upserts the channel row and opens a session history row.
func (r *Recorder) SessionOpened(ctx context.Context, sessionID string, rc discovery.ReadyChannel) error {
	var image sql.NullString
	if rc.ChannelImageURL != "" {
		image = sql.NullString{String: rc.ChannelImageURL, Valid: true}
	}
	if _, err := r.DB.ExecContext(ctx, `
		INSERT INTO channel (id, name, follower, image)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id)
		DO UPDATE SET name = EXCLUDED.name, follower = EXCLUDED.follower, image = EXCLUDED.image, updated_at = NOW()`,
		rc.ChannelID, rc.ChannelName, rc.FollowerCount, image); err != nil {
		return fmt.Errorf("upsert channel %s: %w", rc.ChannelID, err)
	}
	if _, err := r.DB.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, channel_id, chat_channel_id, started_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO NOTHING`,
		sessionID, rc.ChannelID, rc.ChatChannelID); err != nil {
		return fmt.Errorf("insert session %s: %w", sessionID, err)
	}
	return nil
}

// Chat records that a user chatted on a channel, refreshing updated_at on repeats.
func (r *Recorder) Chat(ctx context.Context, ev chat.Event) error {
	if _, err := r.DB.ExecContext(ctx, `
		INSERT INTO chat (channel_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (channel_id, user_id)
		DO UPDATE SET updated_at = NOW()`,
		ev.ChannelID, ev.UserID); err != nil {
		return fmt.Errorf("upsert chat %s/%s: %w", ev.ChannelID, ev.UserID, err)
	}
	return nil
}

// SessionClosed stamps the end of a session history row.
func (r *Recorder) SessionClosed(ctx context.Context, sessionID, channelID, reason string) error {
	if _, err := r.DB.ExecContext(ctx, `
		UPDATE chat_sessions SET ended_at = NOW(), end_reason = $2
		WHERE id = $1 AND ended_at IS NULL`,
		sessionID, reason); err != nil {
		return fmt.Errorf("close session %s (channel %s): %w", sessionID, channelID, err)
	}
	return nil
}
