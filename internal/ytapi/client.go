// Package ytapi polls live chat through the official YouTube Data API v3.
package ytapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/you/chatrelay/internal/backoff"
	"github.com/you/chatrelay/internal/core"
)

const (
	defaultMaxResults       = 2000
	defaultProfileImageSize = 64
	// pageTokenRetryDelay is the pause after discarding a rejected cursor.
	pageTokenRetryDelay = 2 * time.Second
)

var errPageTokenInvalid = errors.New("ytapi: page token rejected")

type Config struct {
	APIKey     string
	VideoID    string
	LiveChatID string
	// Endpoint overrides the API base URL, for tests.
	Endpoint   string
	MaxResults int64
}

type Client struct {
	cfg Config
	svc *youtube.Service

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, core.NewAdapterError(core.ModeOfficial, core.ErrMisconfigured, errors.New("api key is required"))
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ytapi: create service: %w", err)
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	return &Client{cfg: cfg, svc: svc, now: time.Now, sleep: backoff.Sleep}, nil
}

func (c *Client) Mode() core.Mode { return core.ModeOfficial }

// LiveChatID looks up the active chat of a live video. It costs one quota unit.
func (c *Client) LiveChatID(ctx context.Context, videoID string) (string, error) {
	resp, err := c.svc.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return "", classify(core.ModeOfficial, err, c.now())
	}
	if len(resp.Items) == 0 {
		return "", core.NewAdapterError(core.ModeOfficial, core.ErrMisconfigured, fmt.Errorf("video %s not found", videoID))
	}
	details := resp.Items[0].LiveStreamingDetails
	if details == nil || details.ActiveLiveChatId == "" {
		return "", core.NewAdapterError(core.ModeOfficial, core.ErrStreamEnded, fmt.Errorf("video %s has no active live chat", videoID))
	}
	return details.ActiveLiveChatId, nil
}

// Run polls liveChatMessages.list until ctx is cancelled or a terminal error.
// The server's polling interval is never undercut.
func (c *Client) Run(ctx context.Context, resume *core.ContinuationState, out core.Output) error {
	liveChatID := c.cfg.LiveChatID
	var cursor string
	if resume != nil {
		if resume.LiveChatID != "" {
			liveChatID = resume.LiveChatID
		}
		cursor = resume.Cursor
	}
	if liveChatID == "" {
		if c.cfg.VideoID == "" {
			return core.NewAdapterError(core.ModeOfficial, core.ErrMisconfigured, errors.New("video id or live chat id is required"))
		}
		id, err := c.LiveChatID(ctx, c.cfg.VideoID)
		if err != nil {
			return err
		}
		liveChatID = id
		slog.Info("ytapi: resolved live chat", "video", c.cfg.VideoID, "live_chat_id", liveChatID)
	}

	// Polls follow the server's interval; retries use an unjittered sequence.
	bo := &backoff.Backoff{Base: backoff.DefaultBase, Max: backoff.DefaultMax}
	connected := false
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		call := c.svc.LiveChatMessages.List(liveChatID, []string{"snippet", "authorDetails"}).
			MaxResults(c.cfg.MaxResults).
			ProfileImageSize(defaultProfileImageSize).
			Context(ctx)
		if cursor != "" {
			call = call.PageToken(cursor)
		}
		resp, err := call.Do()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = classify(core.ModeOfficial, err, c.now())
			if errors.Is(err, errPageTokenInvalid) {
				slog.Warn("ytapi: page token rejected, restarting pagination")
				cursor = ""
				out.Notify(core.StatusEvent{Kind: core.StatusError, Mode: core.ModeOfficial, Message: "page token rejected", Retrying: true})
				if !c.sleep(ctx, pageTokenRetryDelay) {
					return ctx.Err()
				}
				continue
			}
			kind := core.KindOf(err)
			if !kind.Retryable() {
				return err
			}
			d := bo.NextFor(kind)
			slog.Warn("ytapi: poll failed, backing off", "err", err, "kind", kind, "delay", d)
			out.Notify(core.StatusEvent{Kind: core.StatusError, Mode: core.ModeOfficial, Message: err.Error(), Retrying: true})
			if !c.sleep(ctx, d) {
				return ctx.Err()
			}
			continue
		}
		bo.Reset()

		if !connected {
			connected = true
			out.Notify(core.StatusEvent{Kind: core.StatusConnected, Mode: core.ModeOfficial})
		}

		conv := Convert(resp, core.ModeOfficial, c.now())
		interval := time.Duration(resp.PollingIntervalMillis) * time.Millisecond
		if interval < MinPollInterval {
			interval = MinPollInterval
		}
		wait := core.WaitHint{Kind: core.WaitServerMinimum, Duration: interval}
		batch := core.RawBatch{
			Messages:   conv.Messages,
			Removed:    conv.Removed,
			Skipped:    conv.Skipped,
			LiveChatID: liveChatID,
			Cursor:     resp.NextPageToken,
			IntervalMS: int(interval / time.Millisecond),
			QuotaCost:  CallCost,
			Wait:       wait,
		}
		if err := out.Deliver(ctx, batch); err != nil {
			return err
		}
		if conv.Ended {
			return core.NewAdapterError(core.ModeOfficial, core.ErrStreamEnded, errors.New("live chat ended"))
		}
		if resp.NextPageToken != "" {
			cursor = resp.NextPageToken
		}
		if !c.sleep(ctx, backoff.WaitFor(wait, MinPollInterval)) {
			return ctx.Err()
		}
	}
}

// classify maps a Data API failure onto the shared error taxonomy.
func classify(mode core.Mode, err error, now time.Time) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return core.NewAdapterError(mode, core.ErrTransient, err)
	}
	reason := ""
	if len(gerr.Errors) > 0 {
		reason = gerr.Errors[0].Reason
	}

	kind := core.ErrMisconfigured
	switch {
	case reason == "quotaExceeded" || reason == "dailyLimitExceeded":
		ae := core.NewAdapterError(mode, core.ErrQuotaExhausted, err)
		ae.Status = gerr.Code
		ae.Until = NextReset(now)
		return ae
	case gerr.Code == http.StatusTooManyRequests || reason == "rateLimitExceeded" || reason == "userRateLimitExceeded":
		kind = core.ErrRateLimited
	case gerr.Code == http.StatusBadRequest && reason == "pageTokenInvalid":
		return core.NewAdapterError(mode, core.ErrMisconfigured, fmt.Errorf("%w: %v", errPageTokenInvalid, err))
	case gerr.Code == http.StatusNotFound || reason == "liveChatEnded" || reason == "liveChatDisabled" || reason == "liveChatNotFound":
		kind = core.ErrStreamEnded
	case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden || reason == "keyInvalid":
		kind = core.ErrAuthRejected
	case gerr.Code >= 500:
		kind = core.ErrServerSide
	}
	ae := core.NewAdapterError(mode, kind, err)
	ae.Status = gerr.Code
	return ae
}
