package chzzkapi

import (
	"context"
	"net/url"
	"strconv"
)

// PageCursor is the continuation cursor of the popular-lives listing.
type PageCursor struct {
	ConcurrentUserCount int64 `json:"concurrentUserCount"`
	LiveID              int64 `json:"liveId"`
}

// Live is one item of the popular-lives listing.
type Live struct {
	LiveID              int64   `json:"liveId"`
	LiveTitle           string  `json:"liveTitle"`
	ConcurrentUserCount int64   `json:"concurrentUserCount"`
	Adult               bool    `json:"adult"`
	ChatChannelID       *string `json:"chatChannelId"`
	Channel             struct {
		ChannelID   string `json:"channelId"`
		ChannelName string `json:"channelName"`
	} `json:"channel"`
}

// ChannelID returns the owning channel id.
func (l Live) ChannelID() string { return l.Channel.ChannelID }

type livesResponse struct {
	Content struct {
		Data []Live `json:"data"`
		Page struct {
			Next *PageCursor `json:"next"`
		} `json:"page"`
	} `json:"content"`
}

// ListPopularLives fetches one page of live broadcasts sorted by viewer count,
// descending. next is nil for the first page. The returned cursor is nil when the
// listing has no further pages. Any non-success status is an error.
func (c *Client) ListPopularLives(ctx context.Context, next *PageCursor, size int) ([]Live, *PageCursor, error) {
	if size <= 0 {
		size = 50
	}
	q := url.Values{}
	q.Set("size", strconv.Itoa(size))
	q.Set("sortType", "POPULAR")
	if next != nil {
		q.Set("concurrentUserCount", strconv.FormatInt(next.ConcurrentUserCount, 10))
		q.Set("liveId", strconv.FormatInt(next.LiveID, 10))
	}
	var body livesResponse
	if err := c.getJSON(ctx, "lives", "/service/v1/lives", q, &body); err != nil {
		return nil, nil, err
	}
	return body.Content.Data, body.Content.Page.Next, nil
}
