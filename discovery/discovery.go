// Package discovery finds popular CHZZK broadcasts that are ready to be scraped.
//
// A pass pages through the popular-lives listing until the viewer threshold is
// crossed, drops adult broadcasts, enriches each remaining candidate sequentially
// with channel and live detail, and finally removes channels that already have a
// running chat session.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LucetTin5/chzzk-timeline/chzzkapi"
	"github.com/LucetTin5/chzzk-timeline/telemetry"
)

// Skip reasons, also used as metric labels.
const (
	SkipAdult           = "adult"
	SkipNoChannel       = "no_channel_detail"
	SkipNoFollowerCount = "no_follower_count"
	SkipNoLiveDetail    = "no_live_detail"
	SkipNoChatChannel   = "no_chat_channel_id"
	SkipFetchFailed     = "detail_fetch_failed"
	SkipAlreadyActive   = "already_scraping"
)

// API is the subset of the CHZZK client used by a pass.
type API interface {
	ListPopularLives(ctx context.Context, next *chzzkapi.PageCursor, size int) ([]chzzkapi.Live, *chzzkapi.PageCursor, error)
	GetChannel(ctx context.Context, channelID string) (*chzzkapi.ChannelDetail, error)
	GetLiveDetail(ctx context.Context, channelID string) (*chzzkapi.LiveDetail, error)
}

// Membership answers whether a channel already has a running session.
type Membership interface {
	Contains(channelID string) bool
}

// ReadyChannel is a candidate that passed every enrichment step.
type ReadyChannel struct {
	ChannelID     string
	ChatChannelID string
	FollowerCount int64

	ChannelName         string
	ChannelImageURL     string
	ConcurrentUserCount int64
}

// Report summarizes one pass.
type Report struct {
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration_ns"`
	Pages      int            `json:"pages"`
	Qualifying int            `json:"qualifying"`
	Ready      int            `json:"ready"`
	Skipped    map[string]int `json:"skipped"`
	Err        string         `json:"error,omitempty"`
}

// Discoverer runs discovery passes. MinViewers is inclusive.
type Discoverer struct {
	API        API
	Registry   Membership
	MinViewers int64
	PageSize   int

	mu   sync.Mutex
	last *Report
}

// Run executes one pass. Listing failures abort the pass with no partial result.
// Enrichment absences and transport failures skip only the affected candidate;
// a malformed enrichment response aborts the pass.
func (d *Discoverer) Run(ctx context.Context) (ready []ReadyChannel, err error) {
	telemetry.Init()
	telemetry.DiscoveryPasses.Inc()
	ctx, span := telemetry.StartSpan(ctx, "discovery", "discovery.pass")
	defer span.End()

	rep := &Report{StartedAt: time.Now().UTC(), Skipped: map[string]int{}}
	rep.Duration = telemetry.TimeFunc(telemetry.DiscoveryDuration, func() {
		ready, err = d.pass(ctx, rep)
	})
	if err != nil {
		ready = nil
		rep.Err = err.Error()
		telemetry.DiscoveryFailures.Inc()
		telemetry.RecordError(span, err)
	} else {
		rep.Ready = len(ready)
		telemetry.ReadyChannels.Set(float64(len(ready)))
		telemetry.SetSpanSuccess(span)
	}
	d.mu.Lock()
	d.last = rep
	d.mu.Unlock()
	return ready, err
}

// pass runs the listing, filtering and enrichment steps of Run.
func (d *Discoverer) pass(ctx context.Context, rep *Report) ([]ReadyChannel, error) {
	slog.Info("discovery pass starting", slog.Int64("min_viewers", d.MinViewers), slog.String("component", "discovery"))

	lives, err := d.collect(ctx, rep)
	if err != nil {
		return nil, err
	}
	rep.Qualifying = len(lives)

	var ready []ReadyChannel
	for _, live := range lives {
		if live.Adult {
			d.skip(rep, SkipAdult)
			continue
		}
		rc, err := d.enrich(ctx, live, rep)
		if err != nil {
			return nil, err
		}
		if rc == nil {
			continue
		}
		slog.Debug("channel ready", slog.String("channel_id", rc.ChannelID), slog.String("chat_channel_id", rc.ChatChannelID), slog.Int64("followers", rc.FollowerCount))
		ready = append(ready, *rc)
	}

	out := ready[:0]
	for _, rc := range ready {
		if d.Registry != nil && d.Registry.Contains(rc.ChannelID) {
			d.skip(rep, SkipAlreadyActive)
			continue
		}
		out = append(out, rc)
	}
	ready = out

	slog.Info("discovery pass finished",
		slog.Int("pages", rep.Pages),
		slog.Int("qualifying", rep.Qualifying),
		slog.Int("ready", len(ready)),
		slog.Any("skipped", rep.Skipped),
		slog.String("component", "discovery"))
	return ready, nil
}

// LastReport returns the report of the most recent pass, if any.
func (d *Discoverer) LastReport() (Report, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return Report{}, false
	}
	r := *d.last
	r.Skipped = make(map[string]int, len(d.last.Skipped))
	for k, v := range d.last.Skipped {
		r.Skipped[k] = v
	}
	return r, true
}

// collect pages through the listing. The listing is sorted by viewers descending, so
// the first page holding a below-threshold item is the last page fetched.
func (d *Discoverer) collect(ctx context.Context, rep *Report) ([]chzzkapi.Live, error) {
	var (
		out  []chzzkapi.Live
		next *chzzkapi.PageCursor
		seen = map[string]bool{}
	)
	for {
		lives, cursor, err := d.API.ListPopularLives(ctx, next, d.PageSize)
		if err != nil {
			return nil, fmt.Errorf("list popular lives (page %d): %w", rep.Pages+1, err)
		}
		rep.Pages++
		telemetry.DiscoveryPages.Inc()
		// An empty page ends the listing even when a cursor comes back with it.
		if len(lives) == 0 {
			return out, nil
		}

		stop := false
		for _, l := range lives {
			if l.ConcurrentUserCount < d.MinViewers {
				stop = true
				continue
			}
			if seen[l.ChannelID()] {
				continue
			}
			seen[l.ChannelID()] = true
			out = append(out, l)
		}
		if stop || cursor == nil {
			return out, nil
		}
		next = cursor
		slog.Debug("discovery next page", slog.Int64("concurrent_user_count", next.ConcurrentUserCount), slog.Int64("live_id", next.LiveID))
	}
}

// enrich returns nil without error when the candidate must be skipped.
func (d *Discoverer) enrich(ctx context.Context, live chzzkapi.Live, rep *Report) (*ReadyChannel, error) {
	channelID := live.ChannelID()

	detail, err := d.API.GetChannel(ctx, channelID)
	if err != nil {
		return nil, d.fetchFailed(ctx, rep, channelID, "channel", err)
	}
	if detail == nil {
		d.skip(rep, SkipNoChannel)
		return nil, nil
	}
	if detail.FollowerCount == nil {
		d.skip(rep, SkipNoFollowerCount)
		return nil, nil
	}

	ld, err := d.API.GetLiveDetail(ctx, channelID)
	if err != nil {
		return nil, d.fetchFailed(ctx, rep, channelID, "live_detail", err)
	}
	if ld == nil {
		d.skip(rep, SkipNoLiveDetail)
		return nil, nil
	}
	if ld.ChatChannelID == nil || *ld.ChatChannelID == "" {
		d.skip(rep, SkipNoChatChannel)
		return nil, nil
	}

	rc := &ReadyChannel{
		ChannelID:           channelID,
		ChatChannelID:       *ld.ChatChannelID,
		FollowerCount:       *detail.FollowerCount,
		ChannelName:         detail.ChannelName,
		ConcurrentUserCount: live.ConcurrentUserCount,
	}
	if rc.ChannelName == "" {
		rc.ChannelName = live.Channel.ChannelName
	}
	if detail.ChannelImageURL != nil {
		rc.ChannelImageURL = *detail.ChannelImageURL
	}
	return rc, nil
}

// fetchFailed decides whether an enrichment error aborts the pass. It returns nil when
// the candidate is merely skipped.
func (d *Discoverer) fetchFailed(ctx context.Context, rep *Report, channelID, what string, err error) error {
	if errors.Is(err, chzzkapi.ErrMalformedResponse) {
		return fmt.Errorf("fetch %s for %s: %w", what, channelID, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	slog.Warn("detail fetch failed; skipping candidate", slog.String("channel_id", channelID), slog.String("lookup", what), slog.Any("err", err))
	d.skip(rep, SkipFetchFailed)
	return nil
}

func (d *Discoverer) skip(rep *Report, reason string) {
	rep.Skipped[reason]++
	telemetry.SkipCandidate(reason)
}
