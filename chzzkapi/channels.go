package chzzkapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
)

// ChannelDetail is the enrichment data for a channel. Nil pointer fields are unknown,
// never an implicit false or zero.
type ChannelDetail struct {
	ChannelID       string  `json:"channelId"`
	ChannelName     string  `json:"channelName"`
	ChannelImageURL *string `json:"channelImageUrl"`
	FollowerCount   *int64  `json:"followerCount"`
	OpenLive        *bool   `json:"openLive"`
}

// LiveDetail carries what is needed to address the chat transport of a live broadcast.
type LiveDetail struct {
	LiveID        int64   `json:"liveId"`
	Status        string  `json:"status"`
	ChatChannelID *string `json:"chatChannelId"`
}

// GetChannel fetches channel detail. A non-success status or a null content yields
// (nil, nil). Transport failures and undecodable bodies are returned as errors; the
// latter wrap ErrMalformedResponse.
func (c *Client) GetChannel(ctx context.Context, channelID string) (*ChannelDetail, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel id empty")
	}
	var body struct {
		Content *ChannelDetail `json:"content"`
	}
	err := c.getJSON(ctx, "channel", "/service/v1/channels/"+url.PathEscape(channelID), nil, &body)
	if se, ok := absent(err); ok {
		slog.Info("channel detail unavailable", slog.String("channel_id", channelID), slog.Int("status", se.StatusCode))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if body.Content == nil {
		slog.Info("channel detail has null content", slog.String("channel_id", channelID))
	}
	return body.Content, nil
}

// GetLiveDetail fetches the live detail of a channel with the same absence rules as GetChannel.
func (c *Client) GetLiveDetail(ctx context.Context, channelID string) (*LiveDetail, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel id empty")
	}
	var body struct {
		Content *LiveDetail `json:"content"`
	}
	err := c.getJSON(ctx, "live_detail", "/service/v3/channels/"+url.PathEscape(channelID)+"/live-detail", nil, &body)
	if se, ok := absent(err); ok {
		slog.Info("live detail unavailable", slog.String("channel_id", channelID), slog.Int("status", se.StatusCode))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return body.Content, nil
}
